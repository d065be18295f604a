// Package provision keeps remote assistant resources in step with the local
// configuration, assistant and file records.
package provision

import (
	"context"
	"io"

	"assistantbridge/internal/openai"
	"assistantbridge/internal/storage"
)

// API is the subset of the provider client used for provisioning.
type API interface {
	CreateVectorStore(ctx context.Context, name string) (openai.VectorStore, error)
	DeleteVectorStore(ctx context.Context, storeID string) error
	UploadFile(ctx context.Context, filename string, body io.Reader, purpose string) (openai.FileObject, error)
	AttachFile(ctx context.Context, storeID, fileID string) (openai.VectorStoreFile, error)
	DeleteFile(ctx context.Context, fileID string) error
	CreateAssistant(ctx context.Context, req openai.AssistantRequest) (openai.Assistant, error)
	UpdateAssistant(ctx context.Context, assistantID string, req openai.AssistantRequest) (openai.Assistant, error)
	DeleteAssistant(ctx context.Context, assistantID string) error
}

// Dialer returns a client bound to one API key.
type Dialer func(apiKey string) API

type KeyResolver interface {
	Resolve(cfg storage.Configuration) (string, error)
}

type Store interface {
	GetConfiguration(ctx context.Context, id int64) (storage.Configuration, error)
	AssignVectorStoreID(ctx context.Context, configID int64, storeID string) (string, error)

	GetAssistant(ctx context.Context, id int64) (storage.Assistant, error)
	ListAssistants(ctx context.Context, configID int64) ([]storage.Assistant, error)
	SetAssistantStatus(ctx context.Context, id int64, status storage.AssistantStatus, cause string) error
	SetAssistantRemote(ctx context.Context, id int64, remoteID string, status storage.AssistantStatus) error
	DeleteAssistant(ctx context.Context, id int64) error

	GetFile(ctx context.Context, id int64) (storage.File, error)
	ListFiles(ctx context.Context, configID int64) ([]storage.File, error)
	CreateFile(ctx context.Context, f storage.File) (int64, error)
	UpdateFile(ctx context.Context, f storage.File) error
	DeleteFile(ctx context.Context, id int64) error
}

// deleteTolerant treats an already missing remote resource as deleted.
func deleteTolerant(err error) error {
	if err == nil || openai.IsNotFound(err) {
		return nil
	}
	return err
}
