package telegram

import (
	"context"
	"strconv"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"assistantbridge/internal/metrics"
)

type Deduplicator interface {
	MarkFirst(ctx context.Context, key string) (bool, error)
}

// Processor drops updates Telegram delivers more than once.
type Processor struct {
	Base    ext.BaseProcessor
	Dedupe  Deduplicator
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if !p.first(context.Background(), ctx.UpdateId) {
		return nil
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

// first reports whether the update is new. Dedupe failures let it through.
func (p Processor) first(ctx context.Context, updateID int64) bool {
	if p.Dedupe == nil {
		return true
	}
	first, err := p.Dedupe.MarkFirst(ctx, strconv.FormatInt(updateID, 10))
	if err != nil {
		p.Logger.Error().Err(err).Int64("update_id", updateID).Msg("failed to dedupe update")
		return true
	}
	return first
}
