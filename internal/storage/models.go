package storage

import "time"

type Configuration struct {
	ID            int64
	Title         string
	APIKey        *string
	VectorStoreID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (c Configuration) HasVectorStore() bool {
	return c.VectorStoreID != nil && *c.VectorStoreID != ""
}

// Assistant is the local record of the remote assistant. StatusChangedAt
// moves only with Status; edits to the other fields leave it alone.
type Assistant struct {
	ID              int64
	ConfigID        int64
	Name            string
	Instructions    string
	Model           Model
	Temperature     float64
	TopP            float64
	MaxTokens       int
	RemoteID        *string
	Status          AssistantStatus
	StatusCause     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StatusChangedAt time.Time
}

type File struct {
	ID        int64
	ConfigID  int64
	Filename  string
	RemoteID  *string
	SizeBytes int64
	Status    FileStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AuditEntry struct {
	ConfigID int64
	Actor    string
	Action   string
	MetaJSON string
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
