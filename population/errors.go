package population

import "fmt"

// ErrInvalidThreshold indicates a densification option that is missing or
// out of range. Fatal at the call site: densification cannot proceed with
// an undefined threshold.
type ErrInvalidThreshold struct {
	Name  string
	Value float32
}

func (e *ErrInvalidThreshold) Error() string {
	return fmt.Sprintf("population: invalid %s: %v", e.Name, e.Value)
}
