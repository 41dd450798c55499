package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrSecretNotFound is returned when a key has no value in the provider
	ErrSecretNotFound = errors.New("secret not found")
)

// Secret is a resolved secret value with its origin
type Secret struct {
	Key       string            `json:"key"`
	Value     []byte            `json:"-"` // never serialized
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// String returns the secret value as a string
func (s *Secret) String() string {
	return string(s.Value)
}

// Redact returns a copy that is safe to log
func (s *Secret) Redact() *Secret {
	redacted := *s
	if len(redacted.Value) > 0 {
		redacted.Value = []byte(Redacted)
	}
	return &redacted
}

// SecretNotFoundError wraps ErrSecretNotFound with the key and env variable
type SecretNotFoundError struct {
	Key    string
	EnvKey string
}

func (e *SecretNotFoundError) Error() string {
	return fmt.Sprintf("secret '%s' not found (env %s)", e.Key, e.EnvKey)
}

func (e *SecretNotFoundError) Unwrap() error {
	return ErrSecretNotFound
}

// EnvProvider resolves secrets from environment variables
type EnvProvider struct {
	prefix         string
	redactPatterns []*regexp.Regexp
	lookup         func(string) (string, bool)
}

// NewEnvProvider creates an environment provider. With prefix "GHL" the key
// "client_id" resolves to GHL_CLIENT_ID.
func NewEnvProvider(prefix string) *EnvProvider {
	defaultPatterns := []string{
		`(?i).*password.*`,
		`(?i).*secret.*`,
		`(?i).*token.*`,
		`(?i).*dsn.*`,
		`(?i).*credential.*`,
	}

	redactPatterns := make([]*regexp.Regexp, len(defaultPatterns))
	for i, pattern := range defaultPatterns {
		redactPatterns[i] = regexp.MustCompile(pattern)
	}

	return &EnvProvider{
		prefix:         prefix,
		redactPatterns: redactPatterns,
		lookup:         os.LookupEnv,
	}
}

// WithLookup replaces the environment lookup, used by tests
func (p *EnvProvider) WithLookup(lookup func(string) (string, bool)) *EnvProvider {
	p.lookup = lookup
	return p
}

// GetSecret retrieves a secret from the environment
func (p *EnvProvider) GetSecret(ctx context.Context, key string) (*Secret, error) {
	envKey := p.EnvKey(key)
	value, ok := p.lookup(envKey)
	if !ok || value == "" {
		return nil, &SecretNotFoundError{Key: key, EnvKey: envKey}
	}

	return &Secret{
		Key:       key,
		Value:     []byte(value),
		CreatedAt: time.Now(),
		Metadata: map[string]string{
			"source":   "environment",
			"env_key":  envKey,
			"redacted": fmt.Sprintf("%t", p.ShouldRedact(envKey)),
		},
	}, nil
}

// Lookup returns the secret value or fallback when it is unset
func (p *EnvProvider) Lookup(ctx context.Context, key, fallback string) string {
	secret, err := p.GetSecret(ctx, key)
	if err != nil {
		return fallback
	}
	return secret.String()
}

// EnvKey maps a secret key to its environment variable name
func (p *EnvProvider) EnvKey(key string) string {
	if p.prefix == "" {
		return strings.ToUpper(key)
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(p.prefix), strings.ToUpper(key))
}

// ShouldRedact reports whether values under this name must be hidden in logs
func (p *EnvProvider) ShouldRedact(name string) bool {
	for _, pattern := range p.redactPatterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}
