package hardfork

import "fmt"

// PastHorizonError is returned by a query when its input lies beyond every
// era the Summary covers (or before era 0).
type PastHorizonError struct {
	Summary   Summary
	Condition string
}

func (e *PastHorizonError) Error() string {
	return fmt.Sprintf("hardfork: past horizon: %s (summary covers %d eras)", e.Condition, len(e.Summary.eras))
}

func pastHorizon(s Summary, format string, args ...any) error {
	return &PastHorizonError{Summary: s, Condition: fmt.Sprintf(format, args...)}
}
