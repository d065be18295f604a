package apikey

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"assistantbridge/internal/apperr"
	"assistantbridge/internal/openai"
)

var DefaultPrefixes = []string{"sk-", "sk-proj-", "sk-None-", "sk-svcacct-"}

// ModelLister is the read-only call used to prove a key works.
type ModelLister interface {
	ListModels(ctx context.Context) ([]openai.Model, error)
}

type Dialer func(apiKey string) ModelLister

type Validator struct {
	prefixes []string
	dial     Dialer
	timeout  time.Duration
}

type Config struct {
	Prefixes []string
	Dial     Dialer
	Timeout  time.Duration
}

func NewValidator(cfg Config) *Validator {
	prefixes := make([]string, 0, len(cfg.Prefixes))
	for _, p := range cfg.Prefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		prefixes = append(prefixes, DefaultPrefixes...)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Validator{prefixes: prefixes, dial: cfg.Dial, timeout: cfg.Timeout}
}

func (v *Validator) IsValidFormat(key string) bool {
	if key == "" {
		return false
	}
	for _, p := range v.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// ValidateLive lists models with key under the validator timeout. Every
// failure, transport or HTTP, is reported as ErrInvalidKey.
func (v *Validator) ValidateLive(ctx context.Context, key string) error {
	if !v.IsValidFormat(key) {
		return fmt.Errorf("%w: unexpected format", apperr.ErrInvalidKey)
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	if _, err := v.dial(key).ListModels(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidKey, err)
	}
	return nil
}

// ListModels returns the sorted model ids visible to key.
func (v *Validator) ListModels(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	models, err := v.dial(key).ListModels(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}
