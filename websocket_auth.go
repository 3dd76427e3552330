package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"matcharena/broker/internal/auth"
	"matcharena/broker/internal/config"
	"matcharena/broker/internal/player"
)

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (player.Identity, error)
}

// guestAuthenticator admits every connection and reads the identity straight
// from the handshake query. Intended for local development only.
type guestAuthenticator struct{}

func (guestAuthenticator) Authenticate(r *http.Request) (player.Identity, error) {
	query := r.URL.Query()
	id := strings.TrimSpace(query.Get("player_id"))
	if id == "" {
		return player.Identity{}, errors.New("missing player_id")
	}
	skill := 0
	if raw := strings.TrimSpace(query.Get("skill")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return player.Identity{}, errors.New("skill must be a non-negative integer")
		}
		skill = parsed
	}
	name := strings.TrimSpace(query.Get("name"))
	if name == "" {
		name = id
	}
	return player.Identity{
		ID:     player.ID(id),
		Name:   name,
		Skill:  skill,
		Region: strings.TrimSpace(query.Get("region")),
	}, nil
}

// jwtAuthenticator derives the player identity from a signed token carried in
// the handshake.
type jwtAuthenticator struct {
	verifier *auth.TokenVerifier
}

func newJWTAuthenticator(cfg config.AuthConfig) (websocketAuthenticator, error) {
	verifier, err := auth.NewTokenVerifier(cfg.JWTSecret, cfg.Leeway)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{verifier: verifier}, nil
}

func (a *jwtAuthenticator) Authenticate(r *http.Request) (player.Identity, error) {
	if a == nil || a.verifier == nil {
		return player.Identity{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
			token = strings.TrimSpace(header[7:])
		}
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return player.Identity{}, errors.New("missing auth token")
	}
	return a.verifier.Verify(token)
}

// newWebsocketAuthenticator picks the authenticator matching the configured
// auth mode: an empty secret admits guests, anything else demands a token.
func newWebsocketAuthenticator(cfg config.AuthConfig) (websocketAuthenticator, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return guestAuthenticator{}, nil
	}
	return newJWTAuthenticator(cfg)
}
