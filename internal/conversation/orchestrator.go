// Package conversation answers user messages through the active assistant,
// keeping one remote thread per chat session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"assistantbridge/internal/apperr"
	"assistantbridge/internal/metrics"
	"assistantbridge/internal/openai"
	"assistantbridge/internal/storage"
)

// HistoryTimeLayout is how message timestamps are rendered in history.
const HistoryTimeLayout = "2006-01-02 15:04:05"

type API interface {
	CreateThread(ctx context.Context) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID, content string) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, req openai.RunRequest) (openai.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	ListMessages(ctx context.Context, threadID string) ([]openai.Message, error)
}

type Dialer func(apiKey string) API

type Store interface {
	ActiveConfiguration(ctx context.Context) (storage.Configuration, error)
	ActiveAssistant(ctx context.Context, configID int64) (storage.Assistant, error)
}

type KeyResolver interface {
	Resolve(cfg storage.Configuration) (string, error)
}

// Threads maps a session key to its remote thread id.
type Threads interface {
	Get(ctx context.Context, session string) (string, bool, error)
	Put(ctx context.Context, session, threadID string) error
	Clear(ctx context.Context, session string) error
}

// PollPolicy bounds the wait for a run: at most MaxPolls status reads, each
// preceded by Interval.
type PollPolicy struct {
	Interval time.Duration
	MaxPolls int
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: time.Second, MaxPolls: 60}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Reply struct {
	Text      string
	ThreadID  string
	RunID     string
	Timestamp time.Time
}

type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Target is what a message is answered with.
type Target struct {
	Config    storage.Configuration
	Assistant storage.Assistant
	apiKey    string
}

type Config struct {
	Store    Store
	Keys     KeyResolver
	Dial     Dialer
	Threads  Threads
	Policy   PollPolicy
	Sleep    Sleeper
	Location *time.Location
	Now      func() time.Time
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type Orchestrator struct {
	store   Store
	keys    KeyResolver
	dial    Dialer
	threads Threads
	policy  PollPolicy
	sleep   Sleeper
	loc     *time.Location
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Orchestrator {
	def := DefaultPollPolicy()
	if cfg.Policy.Interval <= 0 {
		cfg.Policy.Interval = def.Interval
	}
	if cfg.Policy.MaxPolls <= 0 {
		cfg.Policy.MaxPolls = def.MaxPolls
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Orchestrator{
		store:   cfg.Store,
		keys:    cfg.Keys,
		dial:    cfg.Dial,
		threads: cfg.Threads,
		policy:  cfg.Policy,
		sleep:   cfg.Sleep,
		loc:     cfg.Location,
		now:     cfg.Now,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Active resolves the configuration, key and assistant used for chat.
func (o *Orchestrator) Active(ctx context.Context) (Target, error) {
	cfg, err := o.store.ActiveConfiguration(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return Target{}, apperr.ErrNoConfiguration
	}
	if err != nil {
		return Target{}, fmt.Errorf("active configuration: %w", err)
	}
	a, err := o.store.ActiveAssistant(ctx, cfg.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return Target{}, apperr.ErrNoAssistant
	}
	if err != nil {
		return Target{}, fmt.Errorf("active assistant: %w", err)
	}
	if storage.Deref(a.RemoteID) == "" {
		return Target{}, apperr.ErrNoAssistant
	}
	key, err := o.keys.Resolve(cfg)
	if err != nil {
		return Target{}, err
	}
	return Target{Config: cfg, Assistant: a, apiKey: key}, nil
}

// Send posts text to the session's thread, runs the assistant and returns
// its reply.
func (o *Orchestrator) Send(ctx context.Context, session, text string) (Reply, error) {
	reply, err := o.send(ctx, session, text)
	o.metrics.ChatTurns.WithLabelValues(outcomeLabel(err)).Inc()
	return reply, err
}

func (o *Orchestrator) send(ctx context.Context, session, text string) (Reply, error) {
	target, err := o.Active(ctx)
	if err != nil {
		return Reply{}, err
	}
	api := o.dial(target.apiKey)
	log := o.logger.With().Str("session", session).Int64("assistant_id", target.Assistant.ID).Logger()

	threadID, err := o.thread(ctx, api, session)
	if err != nil {
		return Reply{}, err
	}
	log = log.With().Str("thread_id", threadID).Logger()

	if _, err := api.CreateMessage(ctx, threadID, text); err != nil {
		return Reply{}, fmt.Errorf("add message: %w", err)
	}

	temperature := target.Assistant.Temperature
	run, err := api.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID: storage.Deref(target.Assistant.RemoteID),
		Temperature: &temperature,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("create run: %w", err)
	}

	if err := o.await(ctx, api, threadID, run.ID); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("run did not complete")
		return Reply{}, err
	}

	messages, err := api.ListMessages(ctx, threadID)
	if err != nil {
		return Reply{}, fmt.Errorf("list messages: %w", err)
	}
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		if value, ok := m.FirstText(); ok {
			log.Debug().Str("run_id", run.ID).Msg("assistant replied")
			return Reply{Text: value, ThreadID: threadID, RunID: run.ID, Timestamp: o.now()}, nil
		}
	}
	return Reply{}, apperr.ErrNoAssistantResponse
}

func (o *Orchestrator) thread(ctx context.Context, api API, session string) (string, error) {
	id, ok, err := o.threads.Get(ctx, session)
	if err != nil {
		o.logger.Warn().Err(err).Str("session", session).Msg("thread lookup failed, starting a new thread")
	}
	if ok {
		return id, nil
	}
	t, err := api.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if err := o.threads.Put(ctx, session, t.ID); err != nil {
		o.logger.Warn().Err(err).Str("session", session).Msg("failed to remember thread")
	}
	o.logger.Info().Str("session", session).Str("thread_id", t.ID).Msg("created thread")
	return t.ID, nil
}

// await polls the run until it completes, fails or the poll budget runs out.
// Statuses other than the terminal ones keep the loop going.
func (o *Orchestrator) await(ctx context.Context, api API, threadID, runID string) error {
	start := o.now()
	defer func() { o.metrics.RunDuration.Observe(o.now().Sub(start).Seconds()) }()

	for poll := 1; poll <= o.policy.MaxPolls; poll++ {
		if err := o.sleep(ctx, o.policy.Interval); err != nil {
			return err
		}
		run, err := api.GetRun(ctx, threadID, runID)
		o.metrics.RunPolls.Inc()
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		switch run.Status {
		case openai.RunCompleted:
			return nil
		case openai.RunFailed, openai.RunCancelled, openai.RunExpired:
			return &apperr.RunFailedError{Status: run.Status}
		}
	}
	return apperr.ErrRunTimeout
}

// History returns the session's messages as listed by the provider. It is
// best effort: any failure yields an empty history.
func (o *Orchestrator) History(ctx context.Context, session string) []HistoryEntry {
	out := []HistoryEntry{}
	threadID, ok, err := o.threads.Get(ctx, session)
	if err != nil || !ok {
		return out
	}
	target, err := o.Active(ctx)
	if err != nil {
		o.logger.Debug().Err(err).Msg("history unavailable")
		return out
	}
	messages, err := o.dial(target.apiKey).ListMessages(ctx, threadID)
	if err != nil {
		o.logger.Error().Err(err).Str("thread_id", threadID).Msg("failed to get thread history")
		return out
	}
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		entry := HistoryEntry{
			Role:      m.Role,
			Timestamp: time.Unix(m.CreatedAt, 0).In(o.loc).Format(HistoryTimeLayout),
		}
		if len(m.Content) > 0 && m.Content[0].Text != nil {
			entry.Content = m.Content[0].Text.Value
		}
		out = append(out, entry)
	}
	return out
}

// ClearThread forgets the session's thread so the next message starts fresh.
func (o *Orchestrator) ClearThread(ctx context.Context, session string) error {
	if err := o.threads.Clear(ctx, session); err != nil {
		return err
	}
	o.logger.Info().Str("session", session).Msg("cleared thread")
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrRunTimeout):
		return "timeout"
	case errors.Is(err, apperr.ErrRunFailed):
		return "run_failed"
	case errors.Is(err, apperr.ErrNoConfiguration), errors.Is(err, apperr.ErrNoAssistant), errors.Is(err, apperr.ErrNoAPIKey):
		return "not_configured"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
