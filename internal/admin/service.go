// Package admin implements the administrative workflows behind the admin API:
// one configuration, one assistant per configuration, and its knowledge files.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"assistantbridge/internal/apikey"
	"assistantbridge/internal/apperr"
	"assistantbridge/internal/provision"
	"assistantbridge/internal/storage"
)

const (
	DefaultTemperature = 0.25
	DefaultTopP        = 1.0
	DefaultMaxTokens   = 2000
)

type Store interface {
	FirstConfiguration(ctx context.Context) (storage.Configuration, error)
	CreateConfiguration(ctx context.Context, c storage.Configuration) (int64, error)
	GetConfiguration(ctx context.Context, id int64) (storage.Configuration, error)
	UpdateConfiguration(ctx context.Context, c storage.Configuration) error
	DeleteConfiguration(ctx context.Context, id int64) error

	AssistantForConfiguration(ctx context.Context, configID int64) (storage.Assistant, error)
	CreateAssistant(ctx context.Context, a storage.Assistant) (int64, error)
	GetAssistant(ctx context.Context, id int64) (storage.Assistant, error)
	UpdateAssistant(ctx context.Context, a storage.Assistant) error

	CreateFile(ctx context.Context, f storage.File) (int64, error)
	GetFile(ctx context.Context, id int64) (storage.File, error)
	ListFiles(ctx context.Context, configID int64) ([]storage.File, error)
	DeleteFile(ctx context.Context, id int64) error

	LogAction(ctx context.Context, e storage.AuditEntry) error
}

type KeyValidator interface {
	ValidateLive(ctx context.Context, key string) error
	ListModels(ctx context.Context, key string) ([]string, error)
}

// Sealer encrypts secrets for storage.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Upgrade(stored string) (string, error)
}

type KeyResolver interface {
	Resolve(cfg storage.Configuration) (string, error)
}

type Provisioner interface {
	CreateOrUpdate(ctx context.Context, assistantID int64) (storage.Assistant, error)
	Delete(ctx context.Context, assistantID int64) error
}

type Ingester interface {
	Ingest(ctx context.Context, req provision.IngestRequest) (provision.Report, error)
	DeleteFile(ctx context.Context, fileID int64) error
}

type KnowledgeStores interface {
	Ensure(ctx context.Context, configID int64) (string, error)
}

type Cleaner interface {
	Delete(ctx context.Context, configID int64) provision.Outcome
}

type Config struct {
	Store      Store
	Validator  KeyValidator
	Sealer     Sealer
	Keys       KeyResolver
	Stores     KnowledgeStores
	Assistants Provisioner
	Files      Ingester
	Cascade    Cleaner
	Logger     zerolog.Logger
	// LookupEnv defaults to os.LookupEnv; it detects keys supplied through
	// the per-configuration environment override.
	LookupEnv func(string) (string, bool)
}

type Service struct {
	store      Store
	validator  KeyValidator
	sealer     Sealer
	keys       KeyResolver
	stores     KnowledgeStores
	assistants Provisioner
	files      Ingester
	cascade    Cleaner
	logger     zerolog.Logger
	lookupEnv  func(string) (string, bool)
}

func New(cfg Config) *Service {
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	return &Service{
		store:      cfg.Store,
		validator:  cfg.Validator,
		sealer:     cfg.Sealer,
		keys:       cfg.Keys,
		stores:     cfg.Stores,
		assistants: cfg.Assistants,
		files:      cfg.Files,
		cascade:    cfg.Cascade,
		logger:     cfg.Logger,
		lookupEnv:  cfg.LookupEnv,
	}
}

// ConfigView is a configuration as shown to the admin. The key itself never
// leaves the service.
type ConfigView struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	HasAPIKey     bool      `json:"has_api_key"`
	KeySource     string    `json:"key_source,omitempty"`
	VectorStoreID string    `json:"vector_store_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ConfigInput struct {
	Title  string `json:"title"`
	APIKey string `json:"api_key"`
}

type AssistantInput struct {
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model"`
	ModelManual  string   `json:"model_manual"`
	Temperature  *float64 `json:"temperature"`
	TopP         *float64 `json:"top_p"`
	MaxTokens    *int     `json:"max_tokens"`
}

type UploadInput struct {
	Refs           []string `json:"files"`
	IdempotencyKey string   `json:"-"`
}

type KeyCheck struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

func (s *Service) view(c storage.Configuration) ConfigView {
	v := ConfigView{
		ID:            c.ID,
		Title:         c.Title,
		VectorStoreID: storage.Deref(c.VectorStoreID),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if _, ok := s.lookupEnv(apikey.EnvOverride(c.ID)); ok {
		v.HasAPIKey, v.KeySource = true, "env"
	} else if storage.Deref(c.APIKey) != "" {
		v.HasAPIKey, v.KeySource = true, "stored"
	}
	return v
}

// Configuration returns the single configuration, ErrNotFound when none exists.
func (s *Service) Configuration(ctx context.Context) (ConfigView, error) {
	c, err := s.store.FirstConfiguration(ctx)
	if err != nil {
		return ConfigView{}, err
	}
	return s.view(c), nil
}

func (s *Service) CreateConfiguration(ctx context.Context, actor string, in ConfigInput) (ConfigView, error) {
	existing, err := s.store.FirstConfiguration(ctx)
	if err == nil {
		return ConfigView{}, &ExistsError{Kind: "configuration", ID: existing.ID}
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return ConfigView{}, err
	}

	sealed, err := s.sealKey(ctx, in.APIKey)
	if err != nil {
		return ConfigView{}, err
	}
	c := storage.Configuration{Title: strings.TrimSpace(in.Title), APIKey: storage.StringPtr(sealed)}
	if c.ID, err = s.store.CreateConfiguration(ctx, c); err != nil {
		return ConfigView{}, err
	}
	s.audit(ctx, c.ID, actor, "configuration.create", map[string]any{"title": c.Title})
	s.ensureStore(ctx, c.ID)

	created, err := s.store.GetConfiguration(ctx, c.ID)
	if err != nil {
		return ConfigView{}, err
	}
	return s.view(created), nil
}

// UpdateConfiguration keeps the stored key when none is submitted, migrating
// a legacy value to the encrypted form on the way.
func (s *Service) UpdateConfiguration(ctx context.Context, actor string, id int64, in ConfigInput) (ConfigView, error) {
	c, err := s.store.GetConfiguration(ctx, id)
	if err != nil {
		return ConfigView{}, err
	}
	c.Title = strings.TrimSpace(in.Title)

	switch {
	case strings.TrimSpace(in.APIKey) != "":
		sealed, err := s.sealKey(ctx, in.APIKey)
		if err != nil {
			return ConfigView{}, err
		}
		c.APIKey = storage.StringPtr(sealed)
	case storage.Deref(c.APIKey) != "":
		upgraded, err := s.sealer.Upgrade(*c.APIKey)
		if err != nil {
			s.logger.Warn().Err(err).Int64("config_id", id).Msg("stored api key could not be migrated")
		} else {
			c.APIKey = storage.StringPtr(upgraded)
		}
	default:
		if _, ok := s.lookupEnv(apikey.EnvOverride(id)); !ok {
			return ConfigView{}, &ValidationError{Field: "api_key", Message: "API key is required and cannot be empty."}
		}
	}

	if err := s.store.UpdateConfiguration(ctx, c); err != nil {
		return ConfigView{}, err
	}
	s.audit(ctx, id, actor, "configuration.update", map[string]any{"title": c.Title, "key_changed": in.APIKey != ""})
	s.ensureStore(ctx, id)

	updated, err := s.store.GetConfiguration(ctx, id)
	if err != nil {
		return ConfigView{}, err
	}
	return s.view(updated), nil
}

// DeleteConfiguration cleans up remote resources best effort, then removes
// the configuration and its children locally regardless of the outcome.
func (s *Service) DeleteConfiguration(ctx context.Context, actor string, id int64) (provision.Outcome, error) {
	if _, err := s.store.GetConfiguration(ctx, id); err != nil {
		return provision.Outcome{}, err
	}
	out := s.cascade.Delete(ctx, id)
	if err := s.store.DeleteConfiguration(ctx, id); err != nil {
		return out, err
	}
	s.audit(ctx, id, actor, "configuration.delete", out)
	return out, nil
}

// ValidateKey checks a candidate key against the provider without storing it.
func (s *Service) ValidateKey(ctx context.Context, key string) KeyCheck {
	if err := s.validator.ValidateLive(ctx, strings.TrimSpace(key)); err != nil {
		s.logger.Info().Err(err).Msg("api key validation failed")
		return KeyCheck{Valid: false, Message: err.Error()}
	}
	return KeyCheck{Valid: true}
}

// Models lists the model ids available to the configuration's key plus the
// manual option.
func (s *Service) Models(ctx context.Context, configID int64) ([]string, error) {
	c, err := s.store.GetConfiguration(ctx, configID)
	if err != nil {
		return nil, err
	}
	key, err := s.keys.Resolve(c)
	if err != nil {
		return nil, err
	}
	ids, err := s.validator.ListModels(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return append(ids, storage.ManualModel), nil
}

func (s *Service) CreateAssistant(ctx context.Context, actor string, configID int64, in AssistantInput) (storage.Assistant, error) {
	if _, err := s.store.GetConfiguration(ctx, configID); err != nil {
		return storage.Assistant{}, err
	}
	existing, err := s.store.AssistantForConfiguration(ctx, configID)
	if err == nil {
		return storage.Assistant{}, &ExistsError{Kind: "assistant", ID: existing.ID}
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Assistant{}, err
	}

	a := storage.Assistant{ConfigID: configID, Status: storage.AssistantPending}
	if err := applyAssistant(&a, in); err != nil {
		return storage.Assistant{}, err
	}
	if a.ID, err = s.store.CreateAssistant(ctx, a); err != nil {
		return storage.Assistant{}, err
	}
	s.audit(ctx, configID, actor, "assistant.create", map[string]any{"assistant_id": a.ID, "model": a.Model.Name()})
	return s.provision(ctx, a.ID)
}

func (s *Service) UpdateAssistant(ctx context.Context, actor string, id int64, in AssistantInput) (storage.Assistant, error) {
	a, err := s.store.GetAssistant(ctx, id)
	if err != nil {
		return storage.Assistant{}, err
	}
	if err := applyAssistant(&a, in); err != nil {
		return storage.Assistant{}, err
	}
	if err := s.store.UpdateAssistant(ctx, a); err != nil {
		return storage.Assistant{}, err
	}
	s.audit(ctx, a.ConfigID, actor, "assistant.update", map[string]any{"assistant_id": a.ID, "model": a.Model.Name()})
	return s.provision(ctx, a.ID)
}

func (s *Service) provision(ctx context.Context, id int64) (storage.Assistant, error) {
	a, err := s.assistants.CreateOrUpdate(ctx, id)
	if err != nil {
		return a, &ProvisionError{Err: err}
	}
	return a, nil
}

func (s *Service) Assistant(ctx context.Context, configID int64) (storage.Assistant, error) {
	return s.store.AssistantForConfiguration(ctx, configID)
}

func (s *Service) DeleteAssistant(ctx context.Context, actor string, id int64) error {
	a, err := s.store.GetAssistant(ctx, id)
	if err != nil {
		return err
	}
	if err := s.assistants.Delete(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, a.ConfigID, actor, "assistant.delete", map[string]any{"assistant_id": id, "remote_id": storage.Deref(a.RemoteID)})
	return nil
}

func (s *Service) Files(ctx context.Context, configID int64) ([]storage.File, error) {
	if _, err := s.store.GetConfiguration(ctx, configID); err != nil {
		return nil, err
	}
	return s.store.ListFiles(ctx, configID)
}

// UploadFiles ingests a batch. A record is created up front for the batch;
// it is dropped again when no file in the batch reached the provider.
func (s *Service) UploadFiles(ctx context.Context, actor string, configID int64, in UploadInput) (provision.Report, error) {
	if _, err := s.store.GetConfiguration(ctx, configID); err != nil {
		return provision.Report{}, err
	}
	refs := make([]string, 0, len(in.Refs))
	for _, r := range in.Refs {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	if len(refs) == 0 {
		return provision.Report{}, &ValidationError{Field: "files", Message: "Select at least one file."}
	}

	recID, err := s.store.CreateFile(ctx, storage.File{ConfigID: configID, Filename: refs[0], Status: storage.FilePending})
	if err != nil {
		return provision.Report{}, err
	}
	report, err := s.files.Ingest(ctx, provision.IngestRequest{
		ConfigID:       configID,
		RecordID:       recID,
		Refs:           refs,
		IdempotencyKey: in.IdempotencyKey,
	})
	if !claimed(report, recID) {
		if derr := s.store.DeleteFile(context.WithoutCancel(ctx), recID); derr != nil {
			s.logger.Warn().Err(derr).Int64("record_id", recID).Msg("failed to drop unused file record")
		}
	}
	if err != nil {
		if errors.Is(err, apperr.ErrNoAPIKey) || errors.Is(err, apperr.ErrNoKnowledgeStore) {
			return report, &ProvisionError{Err: err}
		}
		return report, err
	}
	s.audit(ctx, configID, actor, "files.upload", map[string]any{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"duplicate": report.Duplicate,
	})
	return report, nil
}

func claimed(r provision.Report, recID int64) bool {
	for _, res := range r.Results {
		if res.RecordID == recID {
			return true
		}
	}
	return false
}

func (s *Service) DeleteFile(ctx context.Context, actor string, id int64) error {
	f, err := s.store.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if err := s.files.DeleteFile(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, f.ConfigID, actor, "files.delete", map[string]any{"file_id": id, "remote_id": storage.Deref(f.RemoteID)})
	return nil
}

func (s *Service) sealKey(ctx context.Context, raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", &ValidationError{Field: "api_key", Message: "API key is required and cannot be empty."}
	}
	if err := s.validator.ValidateLive(ctx, key); err != nil {
		return "", &ValidationError{
			Field:   "api_key",
			Message: "Invalid API key. Please verify your OpenAI API key is correct and has proper permissions.",
			Err:     err,
		}
	}
	sealed, err := s.sealer.Encrypt(key)
	if err != nil {
		return "", fmt.Errorf("encrypt api key: %w", err)
	}
	return sealed, nil
}

func (s *Service) ensureStore(ctx context.Context, configID int64) {
	if _, err := s.stores.Ensure(ctx, configID); err != nil {
		s.logger.Warn().Err(err).Int64("config_id", configID).Msg("vector store not ready, will retry on next use")
	}
}

func (s *Service) audit(ctx context.Context, configID int64, actor, action string, meta any) {
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = []byte("{}")
	}
	if err := s.store.LogAction(ctx, storage.AuditEntry{ConfigID: configID, Actor: actor, Action: action, MetaJSON: string(raw)}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}

func applyAssistant(a *storage.Assistant, in AssistantInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return &ValidationError{Field: "name", Message: "Name is required."}
	}
	temperature := DefaultTemperature
	if in.Temperature != nil {
		temperature = *in.Temperature
	}
	if math.IsNaN(temperature) || temperature < 0 || temperature > 2 {
		return &ValidationError{Field: "temperature", Message: "Temperature must be between 0 and 2."}
	}
	topP := DefaultTopP
	if in.TopP != nil {
		topP = *in.TopP
	}
	if math.IsNaN(topP) || topP < 0 || topP > 1 {
		return &ValidationError{Field: "top_p", Message: "Top P must be between 0 and 1."}
	}
	maxTokens := DefaultMaxTokens
	if in.MaxTokens != nil {
		maxTokens = *in.MaxTokens
	}
	if maxTokens < 1 {
		return &ValidationError{Field: "max_tokens", Message: "Max tokens must be positive."}
	}

	a.Name = name
	a.Instructions = in.Instructions
	a.Model = storage.ParseModel(in.Model, in.ModelManual)
	a.Temperature = temperature
	a.TopP = topP
	a.MaxTokens = maxTokens
	return nil
}
