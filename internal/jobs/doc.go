// Package jobs tracks long-running, externally-launched OS processes as
// Jobs: model training runs, image auto-tagging passes and asset downloads.
//
// A Job carries a lifecycle state machine, a live progress indicator derived
// from the process's free-text output, and a bounded replayable log buffer.
// A Manager creates Jobs, identified by UUID, and runs one monitor goroutine
// per Job for its entire lifetime. Any number of consumers can stream a
// Job's logs concurrently; each gets its own replay-then-tail sequence.
package jobs
