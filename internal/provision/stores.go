package provision

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// KnowledgeStores hands out the vector store of a configuration, creating it
// on first use.
type KnowledgeStores struct {
	store  Store
	keys   KeyResolver
	dial   Dialer
	logger zerolog.Logger
	group  singleflight.Group
}

type KnowledgeStoresConfig struct {
	Store  Store
	Keys   KeyResolver
	Dial   Dialer
	Logger zerolog.Logger
}

func NewKnowledgeStores(cfg KnowledgeStoresConfig) *KnowledgeStores {
	return &KnowledgeStores{
		store:  cfg.Store,
		keys:   cfg.Keys,
		dial:   cfg.Dial,
		logger: cfg.Logger,
	}
}

// Ensure returns the stored vector store id without any remote call when one
// is set. Otherwise it creates a store named after the configuration title.
// A failed creation leaves the column empty so the next call tries again.
func (k *KnowledgeStores) Ensure(ctx context.Context, configID int64) (string, error) {
	cfg, err := k.store.GetConfiguration(ctx, configID)
	if err != nil {
		return "", fmt.Errorf("load configuration %d: %w", configID, err)
	}
	if cfg.HasVectorStore() {
		return *cfg.VectorStoreID, nil
	}

	v, err, _ := k.group.Do(strconv.FormatInt(configID, 10), func() (any, error) {
		key, err := k.keys.Resolve(cfg)
		if err != nil {
			return "", err
		}
		api := k.dial(key)

		name := strings.TrimSpace(cfg.Title)
		if name == "" {
			name = "configuration-" + strconv.FormatInt(cfg.ID, 10)
		}
		created, err := api.CreateVectorStore(ctx, name)
		if err != nil {
			return "", fmt.Errorf("create vector store: %w", err)
		}

		stored, err := k.store.AssignVectorStoreID(ctx, configID, created.ID)
		if err != nil {
			return "", fmt.Errorf("persist vector store id: %w", err)
		}
		if stored != created.ID {
			k.logger.Warn().Int64("config_id", configID).Str("kept", stored).Str("orphan", created.ID).Msg("vector store assigned concurrently, removing duplicate")
			if err := deleteTolerant(api.DeleteVectorStore(ctx, created.ID)); err != nil {
				k.logger.Error().Err(err).Str("vector_store_id", created.ID).Msg("failed to remove duplicate vector store")
			}
		}
		k.logger.Info().Int64("config_id", configID).Str("vector_store_id", stored).Msg("vector store ready")
		return stored, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
