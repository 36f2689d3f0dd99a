package credential

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/hcbridge/internal/tokenstore"
)

// defaultTokenLifetime is the access token lifetime Home Connect issues.
const defaultTokenLifetime = 24 * time.Hour

// TokenPair is an access/refresh token pair issued by the token endpoint.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64 // seconds, as reported at issue time
	Scope        string
}

// complete reports whether the pair may be persisted.
func (p TokenPair) complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// oauth2Token converts the pair for use with an oauth2.TokenSource.
func (p TokenPair) oauth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
	}
}

// pairFromToken builds a TokenPair from a token endpoint response.
func pairFromToken(tok *oauth2.Token) TokenPair {
	pair := TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		pair.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		pair.Scope = scope
	}
	return pair
}

// loadPair reads the persisted pair. Returns nil if either token is missing.
func (m *Manager) loadPair(ctx context.Context) (*TokenPair, error) {
	access, err := m.store.Read(ctx, tokenstore.KeyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("reading access token: %w", err)
	}
	refresh, err := m.store.Read(ctx, tokenstore.KeyRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}

	pair := &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(defaultTokenLifetime / time.Second),
	}
	if !pair.complete() {
		return nil, nil
	}
	return pair, nil
}

// persist writes a complete pair to the store. Incomplete pairs are never written.
func (m *Manager) persist(ctx context.Context, pair TokenPair) error {
	if !pair.complete() {
		return errIncompletePair
	}
	if err := m.store.Write(ctx, tokenstore.KeyAccessToken, pair.AccessToken); err != nil {
		return fmt.Errorf("writing access token: %w", err)
	}
	if err := m.store.Write(ctx, tokenstore.KeyRefreshToken, pair.RefreshToken); err != nil {
		return fmt.Errorf("writing refresh token: %w", err)
	}
	slog.DebugContext(ctx, "token pair persisted", "expires_in", pair.ExpiresIn, "scope", pair.Scope)
	return nil
}
