// Package store provides the session persistence SPI and its
// implementations. The engine behaves identically over the in-memory store
// (tests, local dev) and the Postgres store (production).
package store

import (
	"context"
	"errors"

	"github.com/actionbridge/actionbridge/pkg/models"
)

// ErrNotFound is returned when no session exists for the given key.
var ErrNotFound = errors.New("session not found")

// ErrConflict is returned by Save when the session's version does not match
// the persisted one: another turn won the race; re-read and retry.
var ErrConflict = errors.New("session version conflict")

// ErrExpired is returned when the requested session existed but its TTL had
// elapsed; the store removes it on this access. Callers should tell the
// user to restart rather than resume stale state.
var ErrExpired = errors.New("session expired")

// SessionStore persists parameter-collection sessions.
//
// Save provides atomic compare-and-set semantics per session id: a session
// with Version 0 is created (and must not already exist); otherwise the
// stored version must equal the session's Version, which is incremented on
// success. Expired sessions are never returned by the getters and are
// removed lazily on access.
type SessionStore interface {
	Save(ctx context.Context, session *models.ParamCollectionSession) error
	GetByID(ctx context.Context, id string) (*models.ParamCollectionSession, error)
	GetActiveByConversation(ctx context.Context, conversationID, userID string) (*models.ParamCollectionSession, error)
	Delete(ctx context.Context, id string) error

	// CleanupExpired removes every expired session and returns the count.
	CleanupExpired(ctx context.Context) (int, error)
}

// cloneSession returns a deep-enough copy so callers never alias stored state.
func cloneSession(s *models.ParamCollectionSession) *models.ParamCollectionSession {
	cp := *s
	if s.MissingParams != nil {
		cp.MissingParams = append([]string(nil), s.MissingParams...)
	}
	if s.CollectedParams != nil {
		cp.CollectedParams = make(map[string]string, len(s.CollectedParams))
		for k, v := range s.CollectedParams {
			cp.CollectedParams[k] = v
		}
	}
	if s.Result != nil {
		r := *s.Result
		cp.Result = &r
	}
	return &cp
}
