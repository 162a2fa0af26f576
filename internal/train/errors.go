package train

import "fmt"

// DivergedError reports a non-finite training loss. The run aborts and
// the last checkpoint on disk is left intact.
type DivergedError struct {
	Epoch int
	Step  int64
	Loss  float64
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("training diverged at epoch %d step %d: loss %g", e.Epoch, e.Step, e.Loss)
}
