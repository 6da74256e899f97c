package main

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"content_digest/internal/config"
	"content_digest/internal/model"
	"content_digest/internal/seed"
	"content_digest/internal/taskq"
	"content_digest/migrations"
)

const requeueInterval = time.Minute

var (
	daemonFlag    bool
	immediateFlag bool
	confirmFlag   bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume and execute queued jobs",
	Long: `Runs the job workers. Once a minute the worker releases jobs left running
longer than JOB_STALE_AFTER and re-enqueues due jobs. Without REDIS_ADDR the task
queue lives in this process, so the worker also runs the daily scheduler.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		runner, _, err := a.pipeline()
		if err != nil {
			return err
		}
		if _, err := a.sched.Requeue(ctx); err != nil {
			return err
		}
		if a.local || daemonFlag {
			go a.sched.Run(ctx)
		}
		go func() {
			ticker := time.NewTicker(requeueInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := a.sched.RequeueDue(ctx); err != nil && ctx.Err() == nil {
						a.log.Error("requeue due jobs", "error", err)
					}
				}
			}
		}()

		w := taskq.NewWorker(a.queue, runner.Execute, a.cfg.WorkerConcurrency, a.log)
		return w.Run(ctx)
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Create the day's jobs for every user",
	Long: `Creates and enqueues the jobs of every enabled schedule for one date.
With --daemon it keeps running and schedules each new UTC day.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if daemonFlag {
			a.log.Info("scheduler started")
			a.sched.Run(ctx)
			return nil
		}

		date := a.ctrl.Today()
		if dateFlag != "" {
			if date, err = time.Parse(model.DateLayout, dateFlag); err != nil {
				return fmt.Errorf("invalid --date %q: %w", dateFlag, err)
			}
		}
		res, err := a.sched.ScheduleAll(ctx, date, immediateFlag)
		if err != nil {
			return err
		}
		printf(cmd, "Scheduled %s: created=%d reset=%d enqueued=%d skipped=%d\n",
			date.Format(model.DateLayout), res.Created, res.Reset, res.Enqueued, res.Skipped)
		return nil
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run today's jobs for one user now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		u, err := a.store.GetUserByUsername(ctx, userFlag)
		if err != nil {
			return fmt.Errorf("find user %q: %w", userFlag, err)
		}
		res, err := a.ctrl.Trigger(ctx, u.ID)
		if err != nil {
			return err
		}
		printf(cmd, "Triggered %s: created=%d reset=%d enqueued=%d skipped=%d\n",
			u.Username, res.Created, res.Reset, res.Enqueued, res.Skipped)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel an account's pending, running and retrying jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ct, err := contentTypeFlag(true)
		if err != nil {
			return err
		}
		u, acc, _, err := a.target(ctx, false)
		if err != nil {
			return err
		}
		n, err := a.ctrl.Stop(ctx, u.ID, acc.ID, ct)
		if err != nil {
			return err
		}
		printf(cmd, "Stopped %d job(s) for %s/%s\n", n, u.Username, acc.Handle)
		return nil
	},
}

var forceStartCmd = &cobra.Command{
	Use:   "force-start",
	Short: "Reset and run every job of a date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		u, acc, date, err := a.target(ctx, true)
		if err != nil {
			return err
		}
		ids, err := a.ctrl.ForceStart(ctx, u.ID, acc.ID, date)
		if err != nil {
			return err
		}
		printf(cmd, "Started %d job(s) for %s: %v\n", len(ids), date.Format(model.DateLayout), ids)
		return nil
	},
}

var restartFailedCmd = &cobra.Command{
	Use:   "restart-failed",
	Short: "Reset and run the failed jobs of a date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		u, acc, date, err := a.target(ctx, true)
		if err != nil {
			return err
		}
		ids, err := a.ctrl.RestartFailed(ctx, u.ID, acc.ID, date)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			printf(cmd, "No failed jobs for %s\n", date.Format(model.DateLayout))
			return nil
		}
		printf(cmd, "Restarted %d job(s): %v\n", len(ids), ids)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run one content type for a date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ct, err := contentTypeFlag(false)
		if err != nil {
			return err
		}
		u, acc, date, err := a.target(ctx, true)
		if err != nil {
			return err
		}
		j, err := a.ctrl.StartContentType(ctx, u.ID, acc.ID, ct, date)
		if err != nil {
			return err
		}
		printf(cmd, "Job %d (%s, %s) enqueued\n", j.ID, j.ContentType, date.Format(model.DateLayout))
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all stored content and jobs of an account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !confirmFlag {
			return fmt.Errorf("purge deletes every item, event, feed and job of the account; pass --yes to confirm")
		}
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		u, acc, _, err := a.target(ctx, false)
		if err != nil {
			return err
		}
		stats, err := a.ctrl.Purge(ctx, u.ID, acc.ID)
		if err != nil {
			return err
		}
		tables := make([]string, 0, len(stats))
		for t := range stats {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		printf(cmd, "Purged %s/%s\n", u.Username, acc.Handle)
		for _, t := range tables {
			printf(cmd, "  %-18s %d\n", t, stats[t])
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts per content type",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		u, acc, date, err := a.target(ctx, true)
		if err != nil {
			return err
		}
		r, err := a.ctrl.Status(ctx, u.ID, acc.ID, date)
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", r)
		return nil
	},
}

var syncListsCmd = &cobra.Command{
	Use:   "sync-lists",
	Short: "Refresh an account's tracked lists from the source platform",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if a.box == nil {
			return fmt.Errorf("CREDENTIALS_KEY is required to sync lists")
		}
		_, lists, err := a.pipeline()
		if err != nil {
			return err
		}
		u, acc, _, err := a.target(ctx, false)
		if err != nil {
			return err
		}
		creds, err := a.box.Open(acc.EncryptedCredentials)
		if err != nil {
			return fmt.Errorf("open credentials of %s: %w", acc.Handle, err)
		}
		n, err := lists.Sync(ctx, acc.ID, creds)
		if err != nil {
			return err
		}
		printf(cmd, "Synced %d list(s) for %s/%s\n", n, u.Username, acc.Handle)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Import users, schedules and accounts from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := config.LoadSeed(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		st, err := seed.Apply(ctx, a.store, a.box, s, a.log)
		if err != nil {
			return err
		}
		printf(cmd, "Users: %d created, %d updated\nAccounts: %d created, %d updated\nLists: %d\n",
			st.UsersCreated, st.UsersUpdated, st.AccountsCreated, st.AccountsUpdated, st.Lists)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate <command>",
	Short:     "Run a schema migration command",
	Long:      "Commands: " + strings.Join(migrations.Commands, ", "),
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: migrations.Commands,
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		db, err := sql.Open("sqlite", cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()
		return migrations.Exec(db, args[0])
	},
}

// contentTypeFlag parses --type. An empty value is allowed only when
// optional is set and means every content type.
func contentTypeFlag(optional bool) (model.ContentType, error) {
	if typeFlag == "" && optional {
		return "", nil
	}
	ct := model.ContentType(typeFlag)
	if !ct.Valid() {
		names := make([]string, 0, len(model.ContentTypes))
		for _, c := range model.ContentTypes {
			names = append(names, string(c))
		}
		return "", fmt.Errorf("--type must be one of %s", strings.Join(names, ", "))
	}
	return ct, nil
}

func init() {
	workerCmd.Flags().BoolVar(&daemonFlag, "scheduler", false, "also run the daily scheduler in this process")
	scheduleCmd.Flags().BoolVar(&daemonFlag, "daemon", false, "keep running and schedule every new day")
	scheduleCmd.Flags().BoolVar(&immediateFlag, "now", false, "enqueue for immediate execution instead of each user's processing time")
	scheduleCmd.Flags().StringVarP(&dateFlag, "date", "d", "", "processing date (YYYY-MM-DD), defaults to today in UTC")

	triggerCmd.Flags().StringVarP(&userFlag, "user", "u", "", "username")
	_ = triggerCmd.MarkFlagRequired("user")
	addTarget(stopCmd, false)
	addTarget(forceStartCmd, true)
	addTarget(restartFailedCmd, true)
	addTarget(startCmd, true)
	addTarget(purgeCmd, false)
	addTarget(statusCmd, true)
	addTarget(syncListsCmd, false)

	for _, c := range []*cobra.Command{stopCmd, startCmd} {
		c.Flags().StringVarP(&typeFlag, "type", "t", "", "content type")
	}
	_ = startCmd.MarkFlagRequired("type")
	purgeCmd.Flags().BoolVar(&confirmFlag, "yes", false, "confirm the purge")
}
