package provision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"assistantbridge/internal/metrics"
	"assistantbridge/internal/storage"
)

// Outcome summarizes the remote cleanup of one configuration.
type Outcome struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   string   `json:"skipped,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Cascade removes the remote resources of a configuration before its local
// rows are deleted. It never returns an error; the caller decides what to do
// with the Outcome and deletes locally either way.
type Cascade struct {
	store   Store
	keys    KeyResolver
	dial    Dialer
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type CascadeConfig struct {
	Store   Store
	Keys    KeyResolver
	Dial    Dialer
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func NewCascade(cfg CascadeConfig) *Cascade {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Cascade{
		store:   cfg.Store,
		keys:    cfg.Keys,
		dial:    cfg.Dial,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Delete tears down assistants, then files, then the vector store. Every
// step runs regardless of earlier failures.
func (c *Cascade) Delete(ctx context.Context, configID int64) Outcome {
	var out Outcome
	log := c.logger.With().Int64("config_id", configID).Logger()

	cfg, err := c.store.GetConfiguration(ctx, configID)
	if err != nil {
		out.Skipped = fmt.Sprintf("load configuration: %v", err)
		log.Warn().Err(err).Msg("remote cleanup skipped")
		return out
	}
	key, err := c.keys.Resolve(cfg)
	if err != nil {
		out.Skipped = "no usable api key"
		log.Warn().Err(err).Msg("remote cleanup skipped")
		return out
	}
	api := c.dial(key)

	attempt := func(kind, id string, del func(context.Context, string) error) {
		out.Attempted++
		if err := deleteTolerant(del(ctx, id)); err != nil {
			out.Failed++
			out.Errors = append(out.Errors, fmt.Sprintf("%s %s: %v", kind, id, err))
			c.metrics.CascadeDeletes.WithLabelValues("failed").Inc()
			log.Error().Err(err).Str("kind", kind).Str("remote_id", id).Msg("remote delete failed, resource may be orphaned")
			return
		}
		out.Succeeded++
		c.metrics.CascadeDeletes.WithLabelValues("ok").Inc()
	}

	assistants, err := c.store.ListAssistants(ctx, configID)
	if err != nil {
		log.Error().Err(err).Msg("list assistants for cleanup")
	}
	for _, a := range assistants {
		if id := storage.Deref(a.RemoteID); id != "" {
			attempt("assistant", id, api.DeleteAssistant)
		}
	}

	files, err := c.store.ListFiles(ctx, configID)
	if err != nil {
		log.Error().Err(err).Msg("list files for cleanup")
	}
	for _, f := range files {
		if id := storage.Deref(f.RemoteID); id != "" {
			attempt("file", id, api.DeleteFile)
		}
	}

	if cfg.HasVectorStore() {
		attempt("vector_store", *cfg.VectorStoreID, api.DeleteVectorStore)
	}

	log.Info().
		Int("attempted", out.Attempted).
		Int("succeeded", out.Succeeded).
		Int("failed", out.Failed).
		Msg("remote cleanup finished")
	return out
}
