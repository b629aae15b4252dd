// Package job defines the compile job record, its state machine, and
// the Store interface whose operations are atomic state transitions.
package job
