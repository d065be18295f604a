package provision

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/rs/zerolog"

	"assistantbridge/internal/apperr"
	"assistantbridge/internal/metrics"
	"assistantbridge/internal/openai"
	"assistantbridge/internal/storage"
)

const (
	trialName         = "Test Assistant"
	trialInstructions = "Test assistant for model validation"

	// DefaultStaleAfter bounds how long a record may sit in creating before a
	// new attempt is allowed to take over.
	DefaultStaleAfter = 5 * time.Minute
)

// Assistants mirrors local assistant records to the provider.
type Assistants struct {
	store      Store
	keys       KeyResolver
	dial       Dialer
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	staleAfter time.Duration
	now        func() time.Time
}

type AssistantsConfig struct {
	Store      Store
	Keys       KeyResolver
	Dial       Dialer
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	StaleAfter time.Duration
	Now        func() time.Time
}

func NewAssistants(cfg AssistantsConfig) *Assistants {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Assistants{
		store:      cfg.Store,
		keys:       cfg.Keys,
		dial:       cfg.Dial,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
	}
}

// NormalizeInstructions decodes HTML entities left by form editors so the
// provider receives literal text.
func NormalizeInstructions(s string) string {
	return html.UnescapeString(s)
}

// CreateOrUpdate provisions the assistant record remotely. The record moves
// to creating first, then to active or failed. On failure the cause is kept
// on the record and returned.
func (p *Assistants) CreateOrUpdate(ctx context.Context, assistantID int64) (storage.Assistant, error) {
	a, err := p.store.GetAssistant(ctx, assistantID)
	if err != nil {
		return storage.Assistant{}, err
	}

	if a.Status == storage.AssistantCreating && p.now().Sub(a.StatusChangedAt) > p.staleAfter {
		p.logger.Warn().Int64("assistant_id", a.ID).Time("since", a.StatusChangedAt).Msg("abandoning stale provisioning attempt")
		failed, err := a.Status.Next(storage.AssistantFail)
		if err != nil {
			return a, err
		}
		a.Status = failed
	}
	creating, err := a.Status.Next(storage.AssistantSubmit)
	if err != nil {
		return a, err
	}
	if err := p.store.SetAssistantStatus(ctx, a.ID, creating, ""); err != nil {
		return a, fmt.Errorf("mark assistant creating: %w", err)
	}
	a.Status = creating

	remoteID, err := p.provision(ctx, a)
	if err != nil {
		p.fail(ctx, &a, err)
		p.metrics.AssistantUpserts.WithLabelValues(upsertLabel(err)).Inc()
		p.logger.Error().Err(err).Int64("assistant_id", a.ID).Msg("assistant provisioning failed")
		return a, err
	}

	active, err := a.Status.Next(storage.AssistantSucceed)
	if err != nil {
		return a, err
	}
	a.Status = active
	a.StatusCause = ""
	a.RemoteID = storage.StringPtr(remoteID)
	if err := p.store.SetAssistantRemote(ctx, a.ID, remoteID, a.Status); err != nil {
		return a, fmt.Errorf("persist remote assistant id: %w", err)
	}
	p.metrics.AssistantUpserts.WithLabelValues("ok").Inc()
	p.logger.Info().Int64("assistant_id", a.ID).Str("remote_id", remoteID).Str("model", a.Model.Name()).Msg("assistant provisioned")
	return a, nil
}

// fail records cause on the record. The provisioning error stays the one
// returned to the caller; bookkeeping problems are only logged.
func (p *Assistants) fail(ctx context.Context, a *storage.Assistant, cause error) {
	failed, err := a.Status.Next(storage.AssistantFail)
	if err != nil {
		p.logger.Error().Err(err).Int64("assistant_id", a.ID).Msg("cannot mark assistant failed")
		return
	}
	a.Status = failed
	a.StatusCause = cause.Error()
	if err := p.store.SetAssistantStatus(context.WithoutCancel(ctx), a.ID, a.Status, a.StatusCause); err != nil {
		p.logger.Error().Err(err).Int64("assistant_id", a.ID).Msg("failed to record provisioning failure")
	}
}

func (p *Assistants) provision(ctx context.Context, a storage.Assistant) (string, error) {
	cfg, err := p.store.GetConfiguration(ctx, a.ConfigID)
	if err != nil {
		return "", fmt.Errorf("load configuration %d: %w", a.ConfigID, err)
	}
	key, err := p.keys.Resolve(cfg)
	if err != nil {
		return "", err
	}
	if a.Model.IsZero() {
		return "", apperr.ErrNoModel
	}
	model := a.Model.Name()
	if !cfg.HasVectorStore() {
		return "", apperr.ErrNoKnowledgeStore
	}
	api := p.dial(key)

	if err := p.tryModel(ctx, api, model); err != nil {
		return "", err
	}

	temperature, topP := a.Temperature, a.TopP
	req := openai.AssistantRequest{
		Name:         a.Name,
		Instructions: NormalizeInstructions(a.Instructions),
		Model:        model,
		Temperature:  &temperature,
		TopP:         &topP,
		Tools:        []openai.Tool{{Type: "file_search"}},
		ToolResources: &openai.ToolResources{
			FileSearch: &openai.FileSearchResources{VectorStoreIDs: []string{*cfg.VectorStoreID}},
		},
	}

	var out openai.Assistant
	if remote := storage.Deref(a.RemoteID); remote != "" {
		out, err = api.UpdateAssistant(ctx, remote, req)
		if err != nil {
			return "", fmt.Errorf("update assistant: %w", err)
		}
	} else {
		out, err = api.CreateAssistant(ctx, req)
		if err != nil {
			return "", fmt.Errorf("create assistant: %w", err)
		}
	}
	return out.ID, nil
}

// tryModel creates and immediately removes a throwaway assistant to learn
// whether the model works with the assistants endpoint.
func (p *Assistants) tryModel(ctx context.Context, api API, model string) error {
	created, err := api.CreateAssistant(ctx, openai.AssistantRequest{
		Name:         trialName,
		Instructions: trialInstructions,
		Model:        model,
		Tools:        []openai.Tool{},
	})
	if err != nil {
		return &apperr.IncompatibleModelError{Model: model, Err: err}
	}
	if err := deleteTolerant(api.DeleteAssistant(ctx, created.ID)); err != nil {
		p.logger.Warn().Err(err).Str("trial_id", created.ID).Msg("failed to remove trial assistant")
	}
	return nil
}

// Delete removes the remote assistant, tolerating one that is already gone,
// then the local record.
func (p *Assistants) Delete(ctx context.Context, assistantID int64) error {
	a, err := p.store.GetAssistant(ctx, assistantID)
	if err != nil {
		return err
	}
	if remote := storage.Deref(a.RemoteID); remote != "" {
		cfg, err := p.store.GetConfiguration(ctx, a.ConfigID)
		if err != nil {
			return fmt.Errorf("load configuration %d: %w", a.ConfigID, err)
		}
		key, err := p.keys.Resolve(cfg)
		if err != nil {
			return err
		}
		if err := deleteTolerant(p.dial(key).DeleteAssistant(ctx, remote)); err != nil {
			return fmt.Errorf("delete remote assistant %s: %w", remote, err)
		}
	}
	return p.store.DeleteAssistant(ctx, assistantID)
}

func upsertLabel(err error) string {
	switch {
	case errors.Is(err, apperr.ErrIncompatibleModel):
		return "incompatible_model"
	case errors.Is(err, apperr.ErrNoAPIKey):
		return "no_api_key"
	case errors.Is(err, apperr.ErrNoKnowledgeStore), errors.Is(err, apperr.ErrNoModel):
		return "incomplete"
	default:
		return "error"
	}
}
