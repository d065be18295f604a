package apikey

import (
	"os"
	"strconv"
	"strings"

	"assistantbridge/internal/apperr"
	"assistantbridge/internal/storage"
)

// Revealer turns a stored secret back into plaintext.
type Revealer interface {
	Reveal(stored string) (string, bool)
}

// Resolver produces the usable key of a configuration. An environment
// variable OPENAI_API_KEY_<id> overrides the stored value.
type Resolver struct {
	codec     Revealer
	validator *Validator
	lookupEnv func(string) (string, bool)
}

func NewResolver(codec Revealer, validator *Validator) *Resolver {
	return &Resolver{codec: codec, validator: validator, lookupEnv: os.LookupEnv}
}

func (r *Resolver) Resolve(cfg storage.Configuration) (string, error) {
	if v, ok := r.lookupEnv(EnvOverride(cfg.ID)); ok {
		if v = strings.TrimSpace(v); r.validator.IsValidFormat(v) {
			return v, nil
		}
	}
	stored := storage.Deref(cfg.APIKey)
	if stored == "" {
		return "", apperr.ErrNoAPIKey
	}
	key, ok := r.codec.Reveal(stored)
	if !ok || !r.validator.IsValidFormat(key) {
		return "", apperr.ErrNoAPIKey
	}
	return key, nil
}

func EnvOverride(configID int64) string {
	return "OPENAI_API_KEY_" + strconv.FormatInt(configID, 10)
}
