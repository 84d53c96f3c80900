// Package exitcodes defines the exit codes used by op-testhost.
package exitcodes

// Exit code constants used by op-testhost:
//
// * Success (0): every source completed and no test failed
// * TestFailure (1): a test failed or a source did not complete
// * RuntimeErr (2): configuration errors, aborted runs and other failures
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors
)
