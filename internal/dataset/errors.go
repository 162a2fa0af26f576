package dataset

import "fmt"

// DatasetError reports a dataset that must not be trained on: a label
// outside the plate alphabet, an empty split, or an unreadable root.
// It is fatal at startup.
type DatasetError struct {
	Path   string
	Reason string
}

func (e *DatasetError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("dataset: %s", e.Reason)
	}
	return fmt.Sprintf("dataset: %s: %s", e.Path, e.Reason)
}

// SampleLoadError reports a single sample that failed to decode while
// iterating. The loader skips the sample and continues; the error is
// only logged.
type SampleLoadError struct {
	Path string
	Err  error
}

func (e *SampleLoadError) Error() string {
	return fmt.Sprintf("load sample %s: %v", e.Path, e.Err)
}

func (e *SampleLoadError) Unwrap() error { return e.Err }
