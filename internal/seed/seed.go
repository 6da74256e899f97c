// Package seed imports users, schedules and source accounts from a seed file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"content_digest/internal/config"
	"content_digest/internal/credentials"
	"content_digest/internal/model"
	"content_digest/internal/storage"
)

// Stats counts what Apply changed.
type Stats struct {
	UsersCreated    int
	UsersUpdated    int
	AccountsCreated int
	AccountsUpdated int
	Lists           int
}

// Apply creates or updates every user of s together with its schedule,
// accounts and tracked lists. Credentials are sealed with box before they
// are stored. Running it twice with the same file changes nothing but the
// sealed credential text.
func Apply(ctx context.Context, store storage.Storage, box *credentials.Box, s *config.Seed, log *slog.Logger) (Stats, error) {
	var st Stats
	for _, su := range s.Users {
		u, err := ensureUser(ctx, store, su, &st)
		if err != nil {
			return st, err
		}
		sc := su.ScheduleFor(u.ID)
		if err := store.SaveSchedule(ctx, &sc); err != nil {
			return st, fmt.Errorf("save schedule for %s: %w", su.Username, err)
		}

		existing, err := store.ListAccounts(ctx, u.ID)
		if err != nil {
			return st, fmt.Errorf("list accounts of %s: %w", su.Username, err)
		}
		for _, sa := range su.Accounts {
			acc, err := ensureAccount(ctx, store, box, u.ID, existing, sa, &st)
			if err != nil {
				return st, err
			}
			for _, l := range sa.Lists {
				tl := &model.TrackedList{AccountID: acc.ID, ExternalID: l.ID, Name: l.Name, URL: l.URL}
				if err := store.UpsertList(ctx, tl); err != nil {
					return st, err
				}
				st.Lists++
			}
		}
		log.Info("user seeded", "username", su.Username, "user_id", u.ID, "accounts", len(su.Accounts))
	}
	return st, nil
}

func ensureUser(ctx context.Context, store storage.Storage, su config.SeedUser, st *Stats) (*model.User, error) {
	u, err := store.GetUserByUsername(ctx, su.Username)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		u = &model.User{Username: su.Username, TelegramChatID: su.TelegramChatID}
		if err := store.CreateUser(ctx, u); err != nil {
			return nil, fmt.Errorf("create user %s: %w", su.Username, err)
		}
		st.UsersCreated++
		return u, nil
	case err != nil:
		return nil, fmt.Errorf("get user %s: %w", su.Username, err)
	}

	if su.TelegramChatID != 0 && u.TelegramChatID != su.TelegramChatID {
		u.TelegramChatID = su.TelegramChatID
		if err := store.UpdateUser(ctx, u); err != nil {
			return nil, fmt.Errorf("update user %s: %w", su.Username, err)
		}
		st.UsersUpdated++
	}
	return u, nil
}

func ensureAccount(ctx context.Context, store storage.Storage, box *credentials.Box, userID int64,
	existing []model.SourceAccount, sa config.SeedAccount, st *Stats) (*model.SourceAccount, error) {
	sealed := ""
	if sa.Username != "" || sa.Password != "" || len(sa.Cookies) > 0 {
		if box == nil {
			return nil, fmt.Errorf("account %s has credentials but no credentials key is configured", sa.Handle)
		}
		var err error
		sealed, err = box.Seal(credentials.Credentials{Username: sa.Username, Password: sa.Password, Cookies: sa.Cookies})
		if err != nil {
			return nil, fmt.Errorf("seal credentials for %s: %w", sa.Handle, err)
		}
	}

	for i := range existing {
		if existing[i].Handle != sa.Handle {
			continue
		}
		acc := &existing[i]
		if sealed != "" {
			if err := store.UpdateAccountCredentials(ctx, acc.ID, sealed); err != nil {
				return nil, fmt.Errorf("update credentials for %s: %w", sa.Handle, err)
			}
			acc.EncryptedCredentials = sealed
			st.AccountsUpdated++
		}
		return acc, nil
	}

	acc := &model.SourceAccount{UserID: userID, Handle: sa.Handle, EncryptedCredentials: sealed}
	if err := store.CreateAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("create account %s: %w", sa.Handle, err)
	}
	st.AccountsCreated++
	return acc, nil
}
