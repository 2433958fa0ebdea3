package sink

import "fmt"

// SinkIOError is raised when a sink fails to write its output.  The sink is
// disabled for the rest of the run while the others continue
type SinkIOError struct {
	// Sink is the name of the failed sink
	Sink string
	// Path is the file being written
	Path string
	// Err is the underlying cause
	Err error
}

func (e *SinkIOError) Error() string {
	return fmt.Sprintf("%s sink failed writing %s: %v", e.Sink, e.Path, e.Err)
}

func (e *SinkIOError) Unwrap() error {
	return e.Err
}
