package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"content_digest/internal/model"
)

var envKeys = []string{
	"DATABASE_PATH", "LOG_LEVEL", "REDIS_ADDR", "REDIS_PASSWORD", "QUEUE_NAME", "WORKER_CONCURRENCY", "JOB_STALE_AFTER",
	"CREDENTIALS_KEY", "SCRAPER_URL", "LIST_FEED_URL", "FETCH_TIMEOUT", "BOOKMARK_MAX_ITEMS",
	"CURATED_FEED_NUM_ITEMS", "LIST_MAX_ITEMS", "AI_BACKEND", "ANTHROPIC_API_KEY", "ANTHROPIC_MODEL",
	"EVENT_MIN_ITEMS", "EVENT_SIMILARITY_THRESHOLD", "TELEGRAM_BOT_TOKEN",
}

func defaults() *Config {
	return &Config{
		DatabasePath:             "./data/digest.db",
		LogLevel:                 "info",
		QueueName:                "digest",
		WorkerConcurrency:        2,
		JobStaleAfter:            time.Hour,
		ScraperURL:               "http://localhost:8090",
		FetchTimeout:             60 * time.Second,
		BookmarkMaxItems:         1000,
		CuratedFeedNumItems:      100,
		ListMaxItems:             500,
		AIBackend:                BackendNone,
		AnthropicModel:           "claude-sonnet-4-20250514",
		EventMinItems:            3,
		EventSimilarityThreshold: 0.3,
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    func() *Config
		wantErr bool
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			want: defaults,
		},
		{
			name: "api key selects anthropic",
			env:  map[string]string{"ANTHROPIC_API_KEY": "sk-test"},
			want: func() *Config {
				c := defaults()
				c.AIBackend = BackendAnthropic
				c.AnthropicAPIKey = "sk-test"
				return c
			},
		},
		{
			name: "explicit none keeps key unused",
			env:  map[string]string{"ANTHROPIC_API_KEY": "sk-test", "AI_BACKEND": "none"},
			want: func() *Config {
				c := defaults()
				c.AnthropicAPIKey = "sk-test"
				return c
			},
		},
		{
			name: "all values set",
			env: map[string]string{
				"DATABASE_PATH":              "/tmp/d.db",
				"LOG_LEVEL":                  "debug",
				"REDIS_ADDR":                 "localhost:6379",
				"QUEUE_NAME":                 "q",
				"WORKER_CONCURRENCY":         "4",
				"FETCH_TIMEOUT":              "5s",
				"LIST_FEED_URL":              "https://feeds.example/{id}.xml",
				"EVENT_MIN_ITEMS":            "2",
				"EVENT_SIMILARITY_THRESHOLD": "0.5",
				"TELEGRAM_BOT_TOKEN":         "tok",
			},
			want: func() *Config {
				c := defaults()
				c.DatabasePath = "/tmp/d.db"
				c.LogLevel = "debug"
				c.RedisAddr = "localhost:6379"
				c.QueueName = "q"
				c.WorkerConcurrency = 4
				c.FetchTimeout = 5 * time.Second
				c.ListFeedURL = "https://feeds.example/{id}.xml"
				c.EventMinItems = 2
				c.EventSimilarityThreshold = 0.5
				c.TelegramBotToken = "tok"
				return c
			},
		},
		{
			name:    "anthropic without key",
			env:     map[string]string{"AI_BACKEND": "anthropic"},
			wantErr: true,
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"AI_BACKEND": "oracle"},
			wantErr: true,
		},
		{
			name:    "stale window shorter than fetch timeout",
			env:     map[string]string{"JOB_STALE_AFTER": "30s"},
			wantErr: true,
		},
		{
			name:    "zero concurrency",
			env:     map[string]string{"WORKER_CONCURRENCY": "0"},
			wantErr: true,
		},
		{
			name:    "negative list max",
			env:     map[string]string{"LIST_MAX_ITEMS": "-1"},
			wantErr: true,
		},
		{
			name:    "threshold above one",
			env:     map[string]string{"EVENT_SIMILARITY_THRESHOLD": "1.5"},
			wantErr: true,
		},
		{
			name:    "threshold zero",
			env:     map[string]string{"EVENT_SIMILARITY_THRESHOLD": "0"},
			wantErr: true,
		},
		{
			name:    "malformed number",
			env:     map[string]string{"BOOKMARK_MAX_ITEMS": "lots"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envKeys {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseSeed(t *testing.T) {
	data := []byte(`
users:
  - username: alice
    telegram_chat_id: 42
    schedule:
      processing_time: "06:30"
      timezone: Europe/Berlin
      lists: false
    accounts:
      - handle: alice_x
        username: alice@example.com
        password: hunter2
        cookies:
          auth_token: abc
        lists:
          - id: "123"
            name: Space
  - username: bob
`)
	seed, err := ParseSeed(data)
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(seed.Users) != 2 {
		t.Fatalf("got %d users, want 2", len(seed.Users))
	}

	want := model.Schedule{
		UserID: 7, Enabled: true, ProcessingTime: "06:30", Timezone: "Europe/Berlin",
		ProcessBookmarks: true, ProcessCuratedFeed: true, ProcessLists: false,
	}
	if diff := cmp.Diff(want, seed.Users[0].ScheduleFor(7)); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(model.DefaultSchedule(8), seed.Users[1].ScheduleFor(8)); diff != "" {
		t.Errorf("default schedule mismatch (-want +got):\n%s", diff)
	}

	wantAccount := SeedAccount{
		Handle: "alice_x", Username: "alice@example.com", Password: "hunter2",
		Cookies: map[string]string{"auth_token": "abc"},
		Lists:   []SeedList{{ID: "123", Name: "Space"}},
	}
	if diff := cmp.Diff([]SeedAccount{wantAccount}, seed.Users[0].Accounts); diff != "" {
		t.Errorf("accounts mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSeedErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing username", "users:\n  - telegram_chat_id: 1\n"},
		{"duplicate username", "users:\n  - username: a\n  - username: a\n"},
		{"missing handle", "users:\n  - username: a\n    accounts:\n      - password: x\n"},
		{"bad time", "users:\n  - username: a\n    schedule:\n      processing_time: \"25:99\"\n"},
		{"bad timezone", "users:\n  - username: a\n    schedule:\n      timezone: Mars/Olympus\n"},
		{"list without id", "users:\n  - username: a\n    accounts:\n      - handle: h\n        lists:\n          - name: x\n"},
		{"not yaml", "users: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSeed([]byte(tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
