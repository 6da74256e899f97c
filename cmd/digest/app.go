package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"content_digest/internal/ai"
	"content_digest/internal/config"
	"content_digest/internal/control"
	"content_digest/internal/credentials"
	"content_digest/internal/events"
	"content_digest/internal/fetcher"
	"content_digest/internal/job"
	"content_digest/internal/model"
	"content_digest/internal/notify"
	"content_digest/internal/processor"
	"content_digest/internal/scheduler"
	"content_digest/internal/snapshot"
	"content_digest/internal/storage"
	"content_digest/internal/taskq"
)

const localQueueSize = 1024

// app holds the components shared by every subcommand.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.SQLite
	box   *credentials.Box
	rdb   *redis.Client
	queue taskq.Queue
	local bool
	sched *scheduler.Scheduler
	ctrl  *control.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	a := &app{cfg: cfg, log: log, store: store}

	if cfg.CredentialsKey != "" {
		if a.box, err = credentials.NewBox(cfg.CredentialsKey); err != nil {
			a.close()
			return nil, fmt.Errorf("credentials key: %w", err)
		}
	}

	if cfg.RedisAddr != "" {
		if a.rdb, err = taskq.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword); err != nil {
			a.close()
			return nil, err
		}
		a.queue = taskq.NewRedis(a.rdb, cfg.QueueName)
	} else {
		a.queue = taskq.NewLocal(localQueueSize)
		a.local = true
	}

	a.sched = scheduler.New(store, a.queue, log)
	a.sched.SetStaleAfter(cfg.JobStaleAfter)
	a.ctrl = control.New(store, a.sched, a.queue, log)
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	_ = a.store.Close()
}

// pipeline builds the job runner with one processor per content type. The
// lists processor is returned as well for on-demand list syncs.
func (a *app) pipeline() (*job.Runner, *processor.Lists, error) {
	backend, err := ai.New(ai.Options{
		Backend: a.cfg.AIBackend,
		APIKey:  a.cfg.AnthropicAPIKey,
		Model:   a.cfg.AnthropicModel,
	})
	if err != nil {
		return nil, nil, err
	}

	var notifier snapshot.Notifier = notify.Discard{}
	if a.cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(a.cfg.TelegramBotToken, a.log)
		if err != nil {
			return nil, nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		notifier = tg
	}

	deps := processor.Deps{
		Store: a.store,
		Box:   a.box,
		Fetcher: fetcher.NewFactory(&http.Client{Timeout: a.cfg.FetchTimeout + 10*time.Second}, fetcher.Options{
			BaseURL:     a.cfg.ScraperURL,
			ListFeedURL: a.cfg.ListFeedURL,
			Timeout:     a.cfg.FetchTimeout,
		}),
		Logger: a.log,
		Now:    time.Now,
	}

	evOpts := events.DefaultOptions()
	evOpts.MinItems = a.cfg.EventMinItems
	evOpts.SimilarityThreshold = a.cfg.EventSimilarityThreshold
	engine := events.New(a.store, backend, evOpts, a.log)

	lists := processor.NewLists(deps, a.cfg.ListMaxItems, engine)
	procs := map[model.ContentType]job.Processor{
		model.ContentBookmarks:   processor.NewBookmarks(deps, a.cfg.BookmarkMaxItems),
		model.ContentCuratedFeed: processor.NewCurated(deps, a.cfg.CuratedFeedNumItems, backend),
		model.ContentLists:       lists,
	}

	agg := snapshot.New(a.store, notifier, a.log)
	return job.NewRunner(a.store, procs, a.queue, agg, a.log), lists, nil
}

// target resolves the --user, --account and --date flags.
func (a *app) target(ctx context.Context, withDate bool) (*model.User, *model.SourceAccount, time.Time, error) {
	u, acc, err := a.ctrl.Lookup(ctx, userFlag, accountFlag)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	date := a.ctrl.Today()
	if withDate && dateFlag != "" {
		d, err := time.Parse(model.DateLayout, dateFlag)
		if err != nil {
			return nil, nil, time.Time{}, fmt.Errorf("invalid --date %q: %w", dateFlag, err)
		}
		date = d
	}
	return u, acc, date, nil
}
