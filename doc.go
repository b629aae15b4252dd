// Package typeset provides a document compilation job orchestrator.
// Clients submit a compile job for a multi-file typesetting project,
// poll its status until it reaches a terminal state, and may cancel it
// along the way. The typesetting engine itself is an external process
// invoked once per job.
//
// # Quick Start
//
//	store := memory.New()
//	orc, err := orchestrator.New(store, project.NewFS(rootDir),
//	    engine.NewCLI("latexmk", artifactDir),
//	    orchestrator.WithConfig(typeset.DefaultConfig()),
//	)
//	if err != nil {
//	    return err
//	}
//	j, err := orc.Submit(ctx, ownerKey, "full", "thesis")
//
// # Architecture
//
// Typeset follows a composable store pattern: the job package defines
// a Store interface whose operations are atomic state transitions, and
// a single backend (memory, sqlite, redis, or postgres via bun)
// implements it. A bounded worker pool claims queued jobs from the
// store and drives them through the fixed lifecycle
// Queued → Running → {Completed, Failed, Cancelled}.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package typeset
