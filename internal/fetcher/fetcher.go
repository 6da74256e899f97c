// Package fetcher retrieves raw content items from the source platform.
package fetcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"content_digest/internal/credentials"
	"content_digest/internal/model"
)

// Fetcher is a session against the source platform for one account.
// Items carry no account or processing date; callers stamp those.
type Fetcher interface {
	FetchBookmarks(ctx context.Context, maxItems int) ([]model.Item, error)
	FetchHomeFeed(ctx context.Context, numItems int) ([]model.Item, error)
	FetchLists(ctx context.Context) ([]List, error)
	FetchListItems(ctx context.Context, listID string, maxItems int) ([]model.Item, error)
	Close() error
}

// Factory opens a Fetcher for an account's decrypted credentials.
type Factory func(creds credentials.Credentials) (Fetcher, error)

// List is a list owned or followed by the account.
type List struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CredentialError means the platform rejected the account's login.
type CredentialError struct {
	Msg string
}

func (e *CredentialError) Error() string { return "credential error: " + e.Msg }

// RateLimitError means the platform throttled the session.
type RateLimitError struct {
	Msg string
}

func (e *RateLimitError) Error() string { return "rate limit exceeded: " + e.Msg }

// NetworkError covers transport failures and other unexpected responses.
type NetworkError struct {
	Msg string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error: %s: %v", e.Msg, e.Err)
	}
	return "network error: " + e.Msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Classify maps an opaque error onto the fetcher error taxonomy by message.
// Errors that are already classified are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *CredentialError
	var re *RateLimitError
	var ne *NetworkError
	if errors.As(err, &ce) || errors.As(err, &re) || errors.As(err, &ne) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "login") || strings.Contains(msg, "credential"):
		return &CredentialError{Msg: err.Error()}
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return &RateLimitError{Msg: err.Error()}
	default:
		return &NetworkError{Msg: "fetch failed", Err: err}
	}
}

// ItemGUID returns a stable identifier for a feed entry.
// If the entry has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(guid, title, link string) string {
	if guid != "" {
		return guid
	}
	h := sha256.Sum256([]byte(title + "|" + link))
	return fmt.Sprintf("sha256:%x", h[:16])
}
