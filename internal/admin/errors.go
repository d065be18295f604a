package admin

import (
	"errors"
	"fmt"

	"assistantbridge/internal/apperr"
	"assistantbridge/internal/storage"
)

// ExistsError reports that a singleton already exists; callers redirect to it.
type ExistsError struct {
	Kind string
	ID   int64
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("%s %d already exists", e.Kind, e.ID)
}

// ValidationError is an input problem the admin can fix.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ProvisionError wraps a failed remote provisioning step. The local record
// has been saved with a failed status.
type ProvisionError struct {
	Err error
}

func (e *ProvisionError) Error() string { return "provisioning failed: " + e.Err.Error() }

func (e *ProvisionError) Unwrap() error { return e.Err }

// UserMessage renders err for the admin. Internal details are only shown for
// provider responses, which are meant to be read.
func UserMessage(err error) string {
	var (
		exists       *ExistsError
		invalid      *ValidationError
		incompatible *apperr.IncompatibleModelError
	)
	switch {
	case errors.As(err, &exists):
		switch exists.Kind {
		case "configuration":
			return "Only one OpenAI configuration is allowed. You are being redirected to the existing configuration."
		default:
			return "Only one assistant is allowed per configuration. You are being redirected to the existing assistant."
		}
	case errors.As(err, &invalid):
		return invalid.Message
	case errors.As(err, &incompatible):
		return fmt.Sprintf("The model %q is not compatible with the Assistants API. Please select a different model.", incompatible.Model)
	case errors.Is(err, apperr.ErrNoAPIKey):
		return "No API key found in configuration. Please check your OpenAI configuration."
	case errors.Is(err, apperr.ErrNoModel):
		return "No model specified. Please select a model or enter a custom model name."
	case errors.Is(err, apperr.ErrNoKnowledgeStore):
		return "No vector store ID found in configuration."
	case errors.Is(err, apperr.ErrInvalidTransition):
		return "The assistant is already being provisioned. Please try again shortly."
	case errors.Is(err, storage.ErrNotFound):
		return "Record not found."
	case errors.Is(err, apperr.ErrProviderUnavailable):
		return "OpenAI is currently unreachable. Please try again later."
	}
	var prov *ProvisionError
	if errors.As(err, &prov) {
		return "Failed to create/update assistant: " + prov.Err.Error()
	}
	return "Internal error."
}
