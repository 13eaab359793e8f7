package engine

// Process exit codes for CLI wrappers.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitAuthRequired = 3
)

// ExitCode maps an outcome to the CLI exit code. A tool that ran and exited
// non-zero or timed out yields ExitFailure.
func ExitCode(out *Outcome, err error) int {
	if err != nil || out == nil {
		return ExitFailure
	}
	switch out.State {
	case StateAuthRequired:
		return ExitAuthRequired
	case StateDone:
		if out.Result != nil && !out.Result.Success {
			return ExitFailure
		}
		return ExitOK
	default:
		return ExitFailure
	}
}
