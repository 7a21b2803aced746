package loader

import (
	"errors"
	"fmt"
)

// LoadError is returned by Resolve. Structural errors mean the app is
// misconfigured or its entry does not expose what the descriptor claims;
// retrying cannot help. Retryable errors survived every attempt.
type LoadError struct {
	App        string
	Key        string
	Attempts   int
	Structural bool
	Retryable  bool
	Err        error
}

func (e *LoadError) Error() string {
	switch {
	case e.Structural:
		return fmt.Sprintf("load %s: %v", e.App, e.Err)
	case e.Attempts > 1:
		return fmt.Sprintf("load %s: gave up after %d attempts: %v", e.App, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("load %s: %v", e.App, e.Err)
	}
}

func (e *LoadError) Unwrap() error { return e.Err }

type structuralError struct{ err error }

func (e structuralError) Error() string { return e.err.Error() }
func (e structuralError) Unwrap() error { return e.err }

// Structural marks err as a misconfiguration that retrying cannot fix.
// Containers use it for missing modules or shared dependencies; any other
// error they return is retried.
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return structuralError{err: err}
}

func structuralf(format string, args ...any) error {
	return structuralError{err: fmt.Errorf(format, args...)}
}

func isStructural(err error) bool {
	var s structuralError
	return errors.As(err, &s)
}
