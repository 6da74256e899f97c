package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"content_digest/internal/model"
)

// Seed describes users, their schedules and source accounts to import.
type Seed struct {
	Users []SeedUser `yaml:"users"`
}

// SeedUser is one user entry of a seed file.
type SeedUser struct {
	Username       string        `yaml:"username"`
	TelegramChatID int64         `yaml:"telegram_chat_id"`
	Schedule       *SeedSchedule `yaml:"schedule"`
	Accounts       []SeedAccount `yaml:"accounts"`
}

// SeedSchedule overrides the default schedule. Omitted flags stay enabled.
type SeedSchedule struct {
	Enabled        *bool  `yaml:"enabled"`
	ProcessingTime string `yaml:"processing_time"`
	Timezone       string `yaml:"timezone"`
	Bookmarks      *bool  `yaml:"bookmarks"`
	CuratedFeed    *bool  `yaml:"curated_feed"`
	Lists          *bool  `yaml:"lists"`
}

// SeedAccount is a source account with plaintext credentials; they are
// encrypted on import.
type SeedAccount struct {
	Handle   string            `yaml:"handle"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Cookies  map[string]string `yaml:"cookies"`
	Lists    []SeedList        `yaml:"lists"`
}

// SeedList is a list to track for an account.
type SeedList struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// LoadSeed reads and validates a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	seen := make(map[string]bool)
	for i, u := range s.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("user %d: username is required", i+1)
		}
		if seen[u.Username] {
			return nil, fmt.Errorf("user %q listed twice", u.Username)
		}
		seen[u.Username] = true

		if u.Schedule != nil {
			if err := u.Schedule.validate(); err != nil {
				return nil, fmt.Errorf("user %q: %w", u.Username, err)
			}
		}
		for j, a := range u.Accounts {
			if a.Handle == "" {
				return nil, fmt.Errorf("user %q account %d: handle is required", u.Username, j+1)
			}
			for _, l := range a.Lists {
				if l.ID == "" {
					return nil, fmt.Errorf("account %q: list id is required", a.Handle)
				}
			}
		}
	}
	return &s, nil
}

func (s *SeedSchedule) validate() error {
	if s.ProcessingTime != "" {
		if _, err := time.Parse("15:04", s.ProcessingTime); err != nil {
			return fmt.Errorf("invalid processing_time %q", s.ProcessingTime)
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// ScheduleFor returns the schedule for userID with the seed overrides applied.
func (u SeedUser) ScheduleFor(userID int64) model.Schedule {
	sc := model.DefaultSchedule(userID)
	if u.Schedule == nil {
		return sc
	}
	o := u.Schedule
	if o.Enabled != nil {
		sc.Enabled = *o.Enabled
	}
	if o.ProcessingTime != "" {
		sc.ProcessingTime = o.ProcessingTime
	}
	if o.Timezone != "" {
		sc.Timezone = o.Timezone
	}
	if o.Bookmarks != nil {
		sc.ProcessBookmarks = *o.Bookmarks
	}
	if o.CuratedFeed != nil {
		sc.ProcessCuratedFeed = *o.CuratedFeed
	}
	if o.Lists != nil {
		sc.ProcessLists = *o.Lists
	}
	return sc
}
