package redis

// Redis key naming conventions for typeset data.
// All keys are prefixed with "typeset:" to avoid collisions.

const keyPrefix = "typeset:"

// jobKey returns the Hash key for a job record: typeset:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// ownerActiveKey holds the id of the owner's non-terminal job, if any:
// typeset:owner_active:{owner}
func ownerActiveKey(owner string) string { return keyPrefix + "owner_active:" + owner }

// queuedKey is the Sorted Set of Queued job ids scored by submission time.
const queuedKey = keyPrefix + "queued"

// terminalKey is the Sorted Set of terminal job ids scored by finish
// time, ranged over by the retention sweeper.
const terminalKey = keyPrefix + "terminal"

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"
