package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNoConfiguration     = errors.New("no configuration with an api key")
	ErrNoAssistant         = errors.New("no active assistant")
	ErrNoAPIKey            = errors.New("api key missing or unreadable")
	ErrNoModel             = errors.New("no model selected")
	ErrNoKnowledgeStore    = errors.New("configuration has no vector store")
	ErrFileNotFound        = errors.New("file not found")
	ErrUnsupportedType     = errors.New("unsupported file type")
	ErrTooLarge            = errors.New("file too large")
	ErrRunTimeout          = errors.New("run did not finish in time")
	ErrNoAssistantResponse = errors.New("no assistant response in thread")
	ErrInvalidKey          = errors.New("invalid api key")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInvalidTransition   = errors.New("invalid status transition")

	ErrIncompatibleModel = errors.New("model incompatible with assistants")
	ErrRunFailed         = errors.New("run failed")
)

// IncompatibleModelError is returned when the pre-flight trial assistant
// cannot be created with the requested model.
type IncompatibleModelError struct {
	Model string
	Err   error
}

func (e *IncompatibleModelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("model %q is not compatible with assistants", e.Model)
	}
	return fmt.Sprintf("model %q is not compatible with assistants: %v", e.Model, e.Err)
}

func (e *IncompatibleModelError) Is(target error) bool { return target == ErrIncompatibleModel }

func (e *IncompatibleModelError) Unwrap() error { return e.Err }

// RunFailedError carries the terminal run status (failed, cancelled, expired).
type RunFailedError struct {
	Status string
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run ended with status %q", e.Status)
}

func (e *RunFailedError) Is(target error) bool { return target == ErrRunFailed }
