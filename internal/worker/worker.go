// Package worker answers queued Telegram questions through the conversation
// core.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"assistantbridge/internal/apperr"
	"assistantbridge/internal/conversation"
	"assistantbridge/internal/metrics"
	"assistantbridge/internal/queue"
)

const maxMessageRunes = 4000

const (
	notConfiguredText = "The assistant is not configured yet."
	unavailableText   = "The assistant is temporarily unavailable. Please try again later."
	emptyHistoryText  = "No conversation yet."
)

type Chatter interface {
	Send(ctx context.Context, session, text string) (conversation.Reply, error)
	History(ctx context.Context, session string) []conversation.HistoryEntry
}

// Sender delivers messages to Telegram; *gotgbot.Bot implements it.
type Sender interface {
	SendMessageWithContext(ctx context.Context, chatID int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Enqueue(ctx context.Context, job queue.ChatJob) (string, error)
	Ack(ctx context.Context, messageID string) error
}

type Worker struct {
	bot           Sender
	chat          Chatter
	queue         Queue
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Bot           Sender
	Chat          Chatter
	Queue         Queue
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		bot:           cfg.Bot,
		chat:          cfg.Chat,
		queue:         cfg.Queue,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// handle processes one stream message and always acks it. Failed deliveries
// are re-enqueued until the retry budget is spent.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	job, err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", job.JobID).Int("attempt", job.Attempts).Msg("job failed")

	if job.Attempts < w.maxJobRetries {
		job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// processJob returns the job as it should be retried. A computed answer is
// kept on the job so a redelivery does not post the question again.
func (w *Worker) processJob(ctx context.Context, job queue.ChatJob) (queue.ChatJob, error) {
	if job.Reply == "" {
		job.Reply = w.answer(ctx, job)
	}
	if err := w.send(ctx, job.ChatID, job.MessageID, job.Reply); err != nil {
		return job, fmt.Errorf("send telegram response: %w", err)
	}
	return job, nil
}

func (w *Worker) answer(ctx context.Context, job queue.ChatJob) string {
	if job.Kind == queue.JobHistory {
		return formatHistory(w.chat.History(ctx, job.Session()))
	}

	reply, err := w.chat.Send(ctx, job.Session(), job.Prompt)
	if err != nil {
		w.logger.Error().Err(err).Str("session", job.Session()).Int("message_len", len(job.Prompt)).Msg("chat turn failed")
		switch {
		case errors.Is(err, apperr.ErrNoConfiguration), errors.Is(err, apperr.ErrNoAssistant), errors.Is(err, apperr.ErrNoAPIKey):
			return notConfiguredText
		default:
			return unavailableText
		}
	}
	return reply.Text
}

func (w *Worker) send(ctx context.Context, chatID, replyTo int64, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	_, err := w.bot.SendMessageWithContext(ctx, chatID, truncate(text), opts)
	return err
}

func formatHistory(entries []conversation.HistoryEntry) string {
	if len(entries) == 0 {
		return emptyHistoryText
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s: %s", e.Timestamp, e.Role, e.Content)
	}
	// Keep the newest part when the conversation does not fit one message.
	r := []rune(b.String())
	if len(r) > maxMessageRunes {
		return "…" + string(r[len(r)-maxMessageRunes+1:])
	}
	return string(r)
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "The assistant returned an empty response."
	}
	if r := []rune(text); len(r) > maxMessageRunes {
		return string(r[:maxMessageRunes])
	}
	return text
}
