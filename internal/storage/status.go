package storage

import (
	"fmt"

	"assistantbridge/internal/apperr"
)

type AssistantStatus string

const (
	AssistantPending  AssistantStatus = "pending"
	AssistantCreating AssistantStatus = "creating"
	AssistantActive   AssistantStatus = "active"
	AssistantFailed   AssistantStatus = "failed"
)

type AssistantEvent int

const (
	// AssistantSubmit starts a provisioning attempt.
	AssistantSubmit AssistantEvent = iota
	AssistantSucceed
	AssistantFail
)

func (e AssistantEvent) String() string {
	switch e {
	case AssistantSubmit:
		return "submit"
	case AssistantSucceed:
		return "succeed"
	case AssistantFail:
		return "fail"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

func (s AssistantStatus) Next(e AssistantEvent) (AssistantStatus, error) {
	switch s {
	case AssistantPending, AssistantActive, AssistantFailed:
		if e == AssistantSubmit {
			return AssistantCreating, nil
		}
	case AssistantCreating:
		switch e {
		case AssistantSucceed:
			return AssistantActive, nil
		case AssistantFail:
			return AssistantFailed, nil
		}
	}
	return s, fmt.Errorf("%w: assistant %s on %s", apperr.ErrInvalidTransition, s, e)
}

func ParseAssistantStatus(v string) (AssistantStatus, error) {
	switch s := AssistantStatus(v); s {
	case AssistantPending, AssistantCreating, AssistantActive, AssistantFailed:
		return s, nil
	case "":
		return AssistantPending, nil
	}
	return "", fmt.Errorf("unknown assistant status %q", v)
}

type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileUploaded   FileStatus = "uploaded"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
	FileError      FileStatus = "error"
)

type FileEvent int

const (
	FileStart FileEvent = iota
	FileStored
	FileIndexed
	// FileReject covers validation and upload errors on our side.
	FileReject
	// FileFail is the provider reporting the file itself as unusable.
	FileFail
)

func (e FileEvent) String() string {
	switch e {
	case FileStart:
		return "start"
	case FileStored:
		return "stored"
	case FileIndexed:
		return "indexed"
	case FileReject:
		return "reject"
	case FileFail:
		return "fail"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

func (s FileStatus) Next(e FileEvent) (FileStatus, error) {
	switch s {
	case FilePending:
		switch e {
		case FileStart:
			return FileProcessing, nil
		case FileStored:
			return FileUploaded, nil
		case FileReject:
			return FileError, nil
		case FileFail:
			return FileFailed, nil
		}
	case FileProcessing:
		switch e {
		case FileStored:
			return FileUploaded, nil
		case FileReject:
			return FileError, nil
		case FileFail:
			return FileFailed, nil
		}
	case FileUploaded:
		switch e {
		case FileIndexed:
			return FileCompleted, nil
		case FileFail:
			return FileFailed, nil
		}
	case FileError, FileFailed:
		if e == FileStart {
			return FileProcessing, nil
		}
	}
	return s, fmt.Errorf("%w: file %s on %s", apperr.ErrInvalidTransition, s, e)
}

func ParseFileStatus(v string) (FileStatus, error) {
	switch s := FileStatus(v); s {
	case FilePending, FileProcessing, FileUploaded, FileCompleted, FileFailed, FileError:
		return s, nil
	case "":
		return FilePending, nil
	}
	return "", fmt.Errorf("unknown file status %q", v)
}
