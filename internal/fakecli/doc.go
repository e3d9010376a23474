// Package fakecli emulates the agent CLI for tests and local end-to-end runs.
//
// Tests use it through the helper-process pattern: the test binary re-execs
// itself with the scenario in the environment and calls Run from a
// TestHelperProcess function. cmd/fake-claude wraps the same code as a
// standalone binary that can be configured as claude.binary.
package fakecli
