package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"assistantbridge/internal/apperr"
	"assistantbridge/internal/metrics"
	"assistantbridge/internal/openai"
	"assistantbridge/internal/storage"
)

type staticKeys string

func (k staticKeys) Resolve(storage.Configuration) (string, error) {
	if k == "" {
		return "", apperr.ErrNoAPIKey
	}
	return string(k), nil
}

type call struct {
	op string
	id string
}

// fakeAPI records every call. Errors are looked up by "op" or "op:id".
type fakeAPI struct {
	mu       sync.Mutex
	calls    []call
	errs     map[string]error
	requests []openai.AssistantRequest
	uploaded map[string]string
	seq      int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{errs: map[string]error{}, uploaded: map[string]string{}}
}

func (f *fakeAPI) record(op, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, id: id})
	if err, ok := f.errs[op+":"+id]; ok {
		return err
	}
	return f.errs[op]
}

func (f *fakeAPI) nextID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeAPI) CreateVectorStore(_ context.Context, name string) (openai.VectorStore, error) {
	if err := f.record("create_store", name); err != nil {
		return openai.VectorStore{}, err
	}
	return openai.VectorStore{ID: f.nextID("vs"), Name: name}, nil
}

func (f *fakeAPI) DeleteVectorStore(_ context.Context, id string) error {
	return f.record("delete_store", id)
}

func (f *fakeAPI) UploadFile(_ context.Context, name string, body io.Reader, _ string) (openai.FileObject, error) {
	data, _ := io.ReadAll(body)
	if err := f.record("upload", name); err != nil {
		return openai.FileObject{}, err
	}
	id := f.nextID("file")
	f.mu.Lock()
	f.uploaded[id] = string(data)
	f.mu.Unlock()
	return openai.FileObject{ID: id, Filename: name, Bytes: int64(len(data)), Status: "processed"}, nil
}

func (f *fakeAPI) AttachFile(_ context.Context, storeID, fileID string) (openai.VectorStoreFile, error) {
	if err := f.record("attach", fileID); err != nil {
		return openai.VectorStoreFile{}, err
	}
	return openai.VectorStoreFile{ID: fileID, VectorStoreID: storeID, Status: "in_progress"}, nil
}

func (f *fakeAPI) DeleteFile(_ context.Context, id string) error {
	return f.record("delete_file", id)
}

func (f *fakeAPI) CreateAssistant(_ context.Context, req openai.AssistantRequest) (openai.Assistant, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	op := "create_assistant"
	if req.Name == trialName {
		op = "trial"
	}
	if err := f.record(op, req.Model); err != nil {
		return openai.Assistant{}, err
	}
	return openai.Assistant{ID: f.nextID("asst"), Name: req.Name, Model: req.Model}, nil
}

func (f *fakeAPI) UpdateAssistant(_ context.Context, id string, req openai.AssistantRequest) (openai.Assistant, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := f.record("update_assistant", id); err != nil {
		return openai.Assistant{}, err
	}
	return openai.Assistant{ID: id, Name: req.Name, Model: req.Model}, nil
}

func (f *fakeAPI) DeleteAssistant(_ context.Context, id string) error {
	return f.record("delete_assistant", id)
}

// memSource serves in-memory files; sizes may be overridden to exercise the
// limit without allocating.
type memSource struct {
	files map[string]string
	sizes map[string]int64
}

func (m memSource) Stat(ref string) (string, int64, error) {
	body, ok := m.files[ref]
	if !ok {
		return "", 0, fmt.Errorf("%s: %w", ref, apperr.ErrFileNotFound)
	}
	if size, ok := m.sizes[ref]; ok {
		return ref, size, nil
	}
	return ref, int64(len(body)), nil
}

func (m memSource) Open(ref string) (io.ReadCloser, error) {
	body, ok := m.files[ref]
	if !ok {
		return nil, apperr.ErrFileNotFound
	}
	return io.NopCloser(bytes.NewBufferString(body)), nil
}

type memIdempotency struct{ seen map[string]bool }

func (m *memIdempotency) MarkFirst(_ context.Context, key string) (bool, error) {
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *memIdempotency) Release(_ context.Context, key string) error {
	delete(m.seen, key)
	return nil
}

var errTransport = errors.New("connection reset by peer")

type fixture struct {
	store      *storage.Store
	api        *fakeAPI
	stores     *KnowledgeStores
	ingestion  *Ingestion
	assistants *Assistants
	cascade    *Cascade
	idem       *memIdempotency
}

func newFixture(t *testing.T, src FileSource) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), "sqlite", ":memory:", true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	api := newFakeAPI()
	dial := func(string) API { return api }
	keys := staticKeys("sk-test")
	logger := zerolog.Nop()
	m := metrics.New()

	stores := NewKnowledgeStores(KnowledgeStoresConfig{Store: st, Keys: keys, Dial: dial, Logger: logger})
	idem := &memIdempotency{seen: map[string]bool{}}
	return &fixture{
		store:  st,
		api:    api,
		stores: stores,
		idem:   idem,
		ingestion: NewIngestion(IngestionConfig{
			Store: st, Keys: keys, Dial: dial, Stores: stores, Files: src,
			Idempotency: idem, Logger: logger, Metrics: m,
		}),
		assistants: NewAssistants(AssistantsConfig{Store: st, Keys: keys, Dial: dial, Logger: logger, Metrics: m}),
		cascade:    NewCascade(CascadeConfig{Store: st, Keys: keys, Dial: dial, Logger: logger, Metrics: m}),
	}
}

func (f *fixture) configuration(t *testing.T, storeID string) int64 {
	t.Helper()
	id, err := f.store.CreateConfiguration(context.Background(), storage.Configuration{
		Title:         "Support",
		APIKey:        storage.StringPtr("stored"),
		VectorStoreID: storage.StringPtr(storeID),
	})
	if err != nil {
		t.Fatalf("create configuration: %v", err)
	}
	return id
}
