package typeset

import "github.com/typefold/typeset/id"

// ID is the primary identifier type for all typeset entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
