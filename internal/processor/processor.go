// Package processor implements the per-content-type pipelines. Each one
// validates the job, collects items through a Fetcher that is closed before
// anything is written, then persists the collected items.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content_digest/internal/credentials"
	"content_digest/internal/fetcher"
	"content_digest/internal/job"
	"content_digest/internal/model"
	"content_digest/internal/storage"
)

// progressEvery is how many stored items pass between progress writes.
const progressEvery = 10

// Deps are the collaborators shared by every processor.
type Deps struct {
	Store   storage.Storage
	Box     *credentials.Box
	Fetcher fetcher.Factory
	Logger  *slog.Logger
	Now     func() time.Time
}

type base struct {
	Deps
	contentType model.ContentType
}

func newBase(d Deps, ct model.ContentType) base {
	if d.Now == nil {
		d.Now = time.Now
	}
	return base{Deps: d, contentType: ct}
}

// validate runs the checks every content type shares and returns the
// decrypted credentials.
func (b *base) validate(ctx context.Context, j *model.Job) (credentials.Credentials, error) {
	if j.ContentType != b.contentType {
		return credentials.Credentials{}, &job.ValidationError{
			Msg: fmt.Sprintf("content type %q handed to %s processor", j.ContentType, b.contentType),
		}
	}
	if model.Day(j.ProcessingDate).After(model.Day(b.Now())) {
		return credentials.Credentials{}, &job.ValidationError{
			Msg: "processing date " + j.ProcessingDate.Format(model.DateLayout) + " is in the future",
		}
	}
	return b.credentials(ctx, j)
}

func (b *base) credentials(ctx context.Context, j *model.Job) (credentials.Credentials, error) {
	acct, err := b.Store.GetAccount(ctx, j.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return credentials.Credentials{}, &job.ValidationError{Msg: fmt.Sprintf("source account %d not found", j.AccountID)}
		}
		return credentials.Credentials{}, job.Retryable("load account", err)
	}
	if acct.UserID != j.UserID {
		return credentials.Credentials{}, &job.ValidationError{Msg: "source account does not belong to user"}
	}
	if b.Box == nil {
		return credentials.Credentials{}, &job.CredentialError{Msg: "no credentials key configured"}
	}
	creds, err := b.Box.Open(acct.EncryptedCredentials)
	if err != nil {
		return credentials.Credentials{}, &job.CredentialError{Msg: err.Error()}
	}
	return creds, nil
}

// collect opens a fetcher, runs fn and closes the fetcher before returning,
// so no store write can happen while a session is open.
func (b *base) collect(creds credentials.Credentials, fn func(f fetcher.Fetcher) error) error {
	f, err := b.Fetcher(creds)
	if err != nil {
		return fetchError(err)
	}
	ferr := fn(f)
	if cerr := f.Close(); cerr != nil {
		b.Logger.Warn("close fetcher", "content_type", b.contentType, "error", cerr)
	}
	if ferr != nil {
		return fetchError(ferr)
	}
	return nil
}

// fetchError maps fetcher failures onto the job error taxonomy.
func fetchError(err error) error {
	err = fetcher.Classify(err)
	var ce *fetcher.CredentialError
	if errors.As(err, &ce) {
		return &job.CredentialError{Msg: ce.Msg}
	}
	var pe *job.ProcessingError
	if errors.As(err, &pe) {
		return err
	}
	return job.Retryable("fetch failed", err)
}

// progress writes items_processed every progressEvery stored items.
type progress struct {
	store  storage.Storage
	jobID  int64
	stored int
}

func (p *progress) add(ctx context.Context) error {
	p.stored++
	if p.stored%progressEvery != 0 {
		return nil
	}
	if err := p.store.UpdateJobProgress(ctx, p.jobID, p.stored); err != nil {
		return job.Retryable("record progress", err)
	}
	return nil
}

// storeItem stamps it with the job's account and date and upserts it.
func (b *base) storeItem(ctx context.Context, j *model.Job, it *model.Item) error {
	it.AccountID = j.AccountID
	it.ProcessingDate = j.ProcessingDate
	if err := b.Store.UpsertItem(ctx, it); err != nil {
		return job.Retryable("store item", err)
	}
	return nil
}
