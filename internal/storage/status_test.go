package storage

import (
	"errors"
	"testing"

	"assistantbridge/internal/apperr"
)

func TestAssistantTransitions(t *testing.T) {
	cases := []struct {
		from AssistantStatus
		ev   AssistantEvent
		to   AssistantStatus
		ok   bool
	}{
		{AssistantPending, AssistantSubmit, AssistantCreating, true},
		{AssistantCreating, AssistantSucceed, AssistantActive, true},
		{AssistantCreating, AssistantFail, AssistantFailed, true},
		{AssistantFailed, AssistantSubmit, AssistantCreating, true},
		{AssistantActive, AssistantSubmit, AssistantCreating, true},
		{AssistantPending, AssistantSucceed, AssistantPending, false},
		{AssistantActive, AssistantFail, AssistantActive, false},
		{AssistantCreating, AssistantSubmit, AssistantCreating, false},
	}
	for _, tc := range cases {
		got, err := tc.from.Next(tc.ev)
		if tc.ok && err != nil {
			t.Fatalf("%s on %s: unexpected error %v", tc.from, tc.ev, err)
		}
		if !tc.ok && !errors.Is(err, apperr.ErrInvalidTransition) {
			t.Fatalf("%s on %s: expected invalid transition, got %v", tc.from, tc.ev, err)
		}
		if got != tc.to {
			t.Fatalf("%s on %s: expected %s, got %s", tc.from, tc.ev, tc.to, got)
		}
	}
}

func TestFileTransitions(t *testing.T) {
	s, err := FilePending.Next(FileStart)
	if err != nil || s != FileProcessing {
		t.Fatalf("pending start: %s %v", s, err)
	}
	if s, err = s.Next(FileStored); err != nil || s != FileUploaded {
		t.Fatalf("processing stored: %s %v", s, err)
	}
	if s, err = s.Next(FileIndexed); err != nil || s != FileCompleted {
		t.Fatalf("uploaded indexed: %s %v", s, err)
	}
	if _, err := FileCompleted.Next(FileReject); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("completed is terminal, got %v", err)
	}
	if s, err := FileProcessing.Next(FileReject); err != nil || s != FileError {
		t.Fatalf("processing reject: %s %v", s, err)
	}
	if s, err := FileError.Next(FileStart); err != nil || s != FileProcessing {
		t.Fatalf("error retry: %s %v", s, err)
	}
}

func TestParseModel(t *testing.T) {
	if m := ParseModel("gpt-4o", "ignored"); m.Kind() != ModelKnown || m.Name() != "gpt-4o" {
		t.Fatalf("known model: %+v", m)
	}
	if m := ParseModel(ManualModel, " my-finetune "); m.Kind() != ModelCustom || m.Name() != "my-finetune" {
		t.Fatalf("custom model: %+v", m)
	}
	if m := ParseModel(ManualModel, ""); !m.IsZero() {
		t.Fatalf("manual without text should be unset: %+v", m)
	}
	if m := ParseModel("", ""); !m.IsZero() || m.Name() != "" {
		t.Fatalf("empty should be unset: %+v", m)
	}
}

func TestParseStatusRejectsUnknown(t *testing.T) {
	if _, err := ParseAssistantStatus("archived"); err == nil {
		t.Fatalf("expected error for unknown assistant status")
	}
	if _, err := ParseFileStatus("gone"); err == nil {
		t.Fatalf("expected error for unknown file status")
	}
}
