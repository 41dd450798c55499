package oauth

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sawpanic/ghldash/internal/persistence"
)

// Token is the OAuth credential held by the Manager
type Token struct {
	TokenType    string    `json:"token_type"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        []string  `json:"scope"`
}

func (t *Token) record() persistence.TokenRecord {
	return persistence.TokenRecord{
		TokenType:    t.TokenType,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.ExpiresAt,
		Scope:        append([]string(nil), t.Scope...),
	}
}

func fromRecord(r *persistence.TokenRecord) *Token {
	return &Token{
		TokenType:    r.TokenType,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
		Scope:        r.Scope,
	}
}

// fromOAuth2 converts a token endpoint response. Expiry is computed from
// expires_in against now so the manager's clock governs it.
func fromOAuth2(t *oauth2.Token, now time.Time, fallbackScope []string) *Token {
	tok := &Token{
		TokenType:    t.TokenType,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
		Scope:        parseScope(t.Extra("scope")),
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if secs, ok := expiresIn(t.Extra("expires_in")); ok {
		tok.ExpiresAt = now.Add(time.Duration(secs) * time.Second)
	}
	if len(tok.Scope) == 0 {
		tok.Scope = append([]string(nil), fallbackScope...)
	}
	return tok
}

// parseScope accepts a space separated string or a JSON array
func parseScope(v interface{}) []string {
	switch s := v.(type) {
	case string:
		return strings.Fields(s)
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func expiresIn(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), n > 0
	case int64:
		return n, n > 0
	case int:
		return int64(n), n > 0
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil && i > 0
	default:
		return 0, false
	}
}
