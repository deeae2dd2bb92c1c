package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidScript is returned for nil or nameless scripts.
	ErrInvalidScript = errors.New("invalid script")
	// ErrDuplicateScript is returned when a script with the same full name is already registered.
	ErrDuplicateScript = errors.New("script already registered")
	// ErrScriptNotFound is returned for scripts the registry does not hold.
	ErrScriptNotFound = errors.New("script not found")
)

// DuplicateError names the colliding script.
type DuplicateError struct {
	FullName string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("script already registered: %s", e.FullName)
}

// Is allows errors.Is(err, ErrDuplicateScript).
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateScript
}
