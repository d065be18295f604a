package admin

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"assistantbridge/internal/apikey"
	"assistantbridge/internal/apperr"
	"assistantbridge/internal/crypto"
	"assistantbridge/internal/provision"
	"assistantbridge/internal/storage"
)

func TestSaveRecoversStaleProvisioning(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "admin.db")
	st, err := storage.Open(ctx, "sqlite", path, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	codec := crypto.NewCodec("example.org", "/srv/app")
	keys := apikey.NewResolver(codec, apikey.NewValidator(apikey.Config{}))
	api := &remoteAPI{}
	dial := func(string) provision.API { return api }
	svc := New(Config{
		Store:      st,
		Validator:  fakeValidator{},
		Sealer:     codec,
		Keys:       keys,
		Stores:     &nopStores{},
		Assistants: provision.NewAssistants(provision.AssistantsConfig{Store: st, Keys: keys, Dial: dial, Logger: zerolog.Nop()}),
		Files:      &fakeIngester{report: func(provision.IngestRequest) provision.Report { return provision.Report{} }},
		Cascade:    &fakeCleaner{},
		Logger:     zerolog.Nop(),
		LookupEnv:  func(string) (string, bool) { return "", false },
	})

	view, err := svc.CreateConfiguration(ctx, "admin", ConfigInput{Title: "Support", APIKey: testKey})
	if err != nil {
		t.Fatalf("create configuration: %v", err)
	}
	if _, err := st.AssignVectorStoreID(ctx, view.ID, "vs_1"); err != nil {
		t.Fatalf("assign store: %v", err)
	}
	a, err := svc.CreateAssistant(ctx, "admin", view.ID, AssistantInput{Name: "Helper", Model: "gpt-4o"})
	if err != nil || a.Status != storage.AssistantActive {
		t.Fatalf("create assistant: status=%s err=%v", a.Status, err)
	}

	// A crash mid-provisioning leaves the record in creating.
	if err := st.SetAssistantStatus(ctx, a.ID, storage.AssistantCreating, ""); err != nil {
		t.Fatalf("set creating: %v", err)
	}
	var invalid *ProvisionError
	if _, err := svc.UpdateAssistant(ctx, "admin", a.ID, AssistantInput{Name: "Helper", Model: "gpt-4o"}); !errors.As(err, &invalid) || !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("a fresh creating record must not be taken over, got %v", err)
	}

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer raw.Close()
	if _, err := raw.ExecContext(ctx, `UPDATE assistants SET status_changed_at = datetime('now', '-1 hour'), updated_at = datetime('now', '-1 hour') WHERE id = ?`, a.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	for i, name := range []string{"Helper v2", "Helper v3"} {
		saved, err := svc.UpdateAssistant(ctx, "admin", a.ID, AssistantInput{Name: name, Model: "gpt-4o"})
		if err != nil {
			t.Fatalf("save #%d: %v", i+1, err)
		}
		if saved.Status != storage.AssistantActive || saved.Name != name {
			t.Fatalf("save #%d: unexpected assistant %+v", i+1, saved)
		}
	}
}
