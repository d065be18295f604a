// Package telegram exposes the assistant to Telegram chats. Questions are
// queued on a redis stream and answered by the worker.
package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/rs/zerolog"

	"assistantbridge/internal/metrics"
	"assistantbridge/internal/queue"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.ChatJob) (string, error)
}

// Quota is the hourly per-user question budget.
type Quota interface {
	Allow(ctx context.Context, chatID, userID int64, now time.Time) (bool, int64, time.Time, error)
}

// Spacer enforces the minimum gap between two questions of a chat.
type Spacer interface {
	Allow(ctx context.Context, subject string) (bool, time.Duration, error)
}

type ThreadResetter interface {
	ClearThread(ctx context.Context, session string) error
}

type Service struct {
	queue   Enqueuer
	threads ThreadResetter
	quota   Quota
	spacer  Spacer
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Config struct {
	Queue   Enqueuer
	Threads ThreadResetter
	Quota   Quota
	Spacer  Spacer
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		queue:   cfg.Queue,
		threads: cfg.Threads,
		quota:   cfg.Quota,
		spacer:  cfg.Spacer,
		logger:  cfg.Logger,
		metrics: m,
		now:     cfg.Now,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("reset", s.reset))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg) && !strings.HasPrefix(msg.Text, "/")
	}, s.privateText))
}
