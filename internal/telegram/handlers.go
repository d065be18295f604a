package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"assistantbridge/internal/queue"
)

const (
	helpText = "Ask me anything about our documents.\n\n" +
		"/ask <text> - ask a question\n" +
		"/history - show this chat's conversation\n" +
		"/reset - start a new conversation\n\n" +
		"In a private chat you can just write your question."
	acceptedText    = "Accepted. Processing in queue."
	queueDownText   = "Queue is unavailable right now."
	tooFastText     = "Please wait before sending another message."
	resetDoneText   = "Conversation cleared."
	resetFailedText = "Failed to clear the conversation right now."
)

// question is a Telegram message reduced to what the queue needs.
type question struct {
	ChatID    int64
	UserID    int64
	MessageID int64
	Text      string
	Locale    string
}

func questionOf(ctx *ext.Context, text string) question {
	q := question{Text: strings.TrimSpace(text)}
	if ctx.EffectiveChat != nil {
		q.ChatID = ctx.EffectiveChat.Id
	}
	if ctx.EffectiveUser != nil {
		q.UserID = ctx.EffectiveUser.Id
		q.Locale = ctx.EffectiveUser.LanguageCode
	}
	if ctx.EffectiveMessage != nil {
		q.MessageID = ctx.EffectiveMessage.MessageId
	}
	return q
}

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText)
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveChat == nil {
		return nil
	}
	q := questionOf(ctx, commandRemainder(ctx.EffectiveMessage.GetText()))
	if q.Text == "" {
		return s.reply(ctx, b, "Usage: /ask <text>")
	}
	return s.reply(ctx, b, s.submit(context.Background(), q, queue.JobAsk))
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveChat == nil {
		return nil
	}
	q := questionOf(ctx, ctx.EffectiveMessage.GetText())
	if q.Text == "" {
		return nil
	}
	return s.reply(ctx, b, s.submit(context.Background(), q, queue.JobAsk))
}

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	q := questionOf(ctx, "")
	if text := s.submit(context.Background(), q, queue.JobHistory); text != acceptedText {
		return s.reply(ctx, b, text)
	}
	return nil
}

func (s *Service) reset(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	return s.reply(ctx, b, s.resetChat(context.Background(), ctx.EffectiveChat.Id))
}

// submit applies the limits and queues the job, returning the text to show.
func (s *Service) submit(ctx context.Context, q question, kind string) string {
	job := queue.ChatJob{
		Kind:      kind,
		ChatID:    q.ChatID,
		UserID:    q.UserID,
		MessageID: q.MessageID,
		Prompt:    q.Text,
		Locale:    q.Locale,
	}
	if kind == queue.JobAsk {
		if text, ok := s.allow(ctx, job); !ok {
			return text
		}
	}
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", q.ChatID).Str("kind", kind).Msg("failed to enqueue chat job")
		return queueDownText
	}
	s.metrics.EnqueuedJobs.Inc()
	return acceptedText
}

func (s *Service) allow(ctx context.Context, job queue.ChatJob) (string, bool) {
	if s.quota != nil && job.UserID != 0 {
		ok, _, resetAt, err := s.quota.Allow(ctx, job.ChatID, job.UserID, s.now())
		if err != nil {
			s.logger.Error().Err(err).Msg("rate limiter failed")
		} else if !ok {
			return "Rate limit exceeded. Try again after " + resetAt.UTC().Format("15:04 UTC"), false
		}
	}
	if s.spacer != nil {
		ok, _, err := s.spacer.Allow(ctx, job.Session())
		if err != nil {
			s.logger.Error().Err(err).Msg("interval limiter failed")
		} else if !ok {
			return tooFastText, false
		}
	}
	return "", true
}

func (s *Service) resetChat(ctx context.Context, chatID int64) string {
	session := queue.ChatJob{ChatID: chatID}.Session()
	if err := s.threads.ClearThread(ctx, session); err != nil {
		s.logger.Error().Err(err).Str("session", session).Msg("failed to clear thread")
		return resetFailedText
	}
	return resetDoneText
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if ctx.EffectiveMessage != nil && ctx.EffectiveChat.Type != "private" {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: ctx.EffectiveMessage.MessageId}
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
