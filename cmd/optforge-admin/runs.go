package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optforge/optforge/internal/data"
	"github.com/optforge/optforge/internal/domain/model"
	"github.com/optforge/optforge/internal/util"
)

const runSnapshotKeyPrefix = "run:snapshot:"

type runStatusOptions struct {
	RunID string
}

type cancelRunOptions struct {
	RunID string
	Yes   bool
}

type clearRunCacheOptions struct {
	RunID  string
	All    bool
	DryRun bool
}

func runRunStats(cmdCtx *commandContext, _ []string) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	repo := data.NewRunRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	stats, err := repo.Stats(ctx)
	if err != nil {
		return fmt.Errorf("fetch run stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Status\tCount"); err != nil {
		return err
	}
	rows := []struct {
		label string
		count int
	}{
		{"pending", stats.Pending},
		{"running", stats.Running},
		{"succeeded", stats.Succeeded},
		{"failed", stats.Failed},
		{"canceled", stats.Canceled},
	}
	total := 0
	for _, row := range rows {
		total += row.count
		if err := writef(w, "%s\t%d\n", row.label, row.count); err != nil {
			return err
		}
	}
	if err := writef(w, "total\t%d\n", total); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush stats table: %w", err)
	}
	return nil
}

func runRunStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseRunStatusFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeInfra(db, redisClient); cerr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", cerr)
		}
	}()

	repo := data.NewRunRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	run, err := repo.GetByID(ctx, opts.RunID)
	if err != nil {
		if errors.Is(err, data.ErrRunNotFound) {
			return fmt.Errorf("run %s not found", opts.RunID)
		}
		return fmt.Errorf("fetch run: %w", err)
	}

	if printErr := printRunDetails(run); printErr != nil {
		return printErr
	}

	return printCachedSnapshotInfo(ctx, redisClient, opts.RunID)
}

func printRunDetails(run *model.Run) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if err := writef(w, "ID\t%s\n", run.ID); err != nil {
		return err
	}
	if err := writef(w, "Status\t%s\n", run.Status); err != nil {
		return err
	}
	if run.Solver != "" {
		if err := writef(w, "Solver\t%s\n", run.Solver); err != nil {
			return err
		}
	}
	if run.ObjectiveValue != nil {
		if err := writef(w, "Objective\t%g\n", *run.ObjectiveValue); err != nil {
			return err
		}
	}
	if run.Gap != nil {
		if err := writef(w, "Gap\t%g\n", *run.Gap); err != nil {
			return err
		}
	}
	if run.BestBound != nil {
		if err := writef(w, "Best Bound\t%g\n", *run.BestBound); err != nil {
			return err
		}
	}
	if run.LastError != nil && *run.LastError != "" {
		if err := writef(w, "Last Error\t%s\n", *run.LastError); err != nil {
			return err
		}
	}
	if err := writef(w, "Cancel Requested\t%t\n", run.CancelRequested); err != nil {
		return err
	}
	if err := writef(w, "Retries\t%d/%d\n", run.RetryCount, run.MaxRetries); err != nil {
		return err
	}
	if err := writef(w, "Scheduled At\t%s\n", run.ScheduledAt.Format(time.RFC3339)); err != nil {
		return err
	}
	if run.StartedAt != nil {
		if err := writef(w, "Started At\t%s\n", run.StartedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	if run.FinishedAt != nil {
		if err := writef(w, "Finished At\t%s\n", run.FinishedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	if run.StartedAt != nil && run.FinishedAt != nil {
		dur := run.FinishedAt.Sub(*run.StartedAt)
		if err := writef(w, "Solve Duration\t%s\n", util.FormatSolveDuration(dur)); err != nil {
			return err
		}
	}
	if run.LeaseExpiresAt != nil {
		if err := writef(w, "Lease Expires\t%s\n", run.LeaseExpiresAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush run details: %w", err)
	}
	return nil
}

func printCachedSnapshotInfo(ctx context.Context, client redis.UniversalClient, runID string) error {
	if client == nil {
		return nil
	}

	key := runSnapshotKeyPrefix + runID
	ttl, err := client.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("snapshot ttl: %w", err)
	}

	if ttl == -2*time.Second {
		return writef(os.Stdout, "\nCached snapshot: none\n")
	}
	return writef(os.Stdout, "\nCached snapshot: %s (TTL: %s)\n", key, renderTTL(ttl))
}

func runCancelRun(cmdCtx *commandContext, args []string) error {
	opts, err := parseCancelRunFlags(args)
	if err != nil {
		return err
	}

	if !opts.Yes {
		if confirmErr := confirmAction("cancel run " + opts.RunID); confirmErr != nil {
			return confirmErr
		}
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	repo := data.NewRunRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	outcome, err := repo.Cancel(ctx, opts.RunID)
	if err != nil {
		if errors.Is(err, data.ErrRunNotFound) {
			return fmt.Errorf("run %s not found", opts.RunID)
		}
		return fmt.Errorf("cancel run: %w", err)
	}

	switch {
	case outcome.Canceled:
		return writef(os.Stdout, "Run %s canceled\n", opts.RunID)
	case outcome.Requested:
		return writef(os.Stdout, "Cancellation requested for running run %s; the worker will stop it shortly\n", opts.RunID)
	default:
		return writef(os.Stdout, "Run %s is already terminal; nothing to cancel\n", opts.RunID)
	}
}

func runClearRunCache(cmdCtx *commandContext, args []string) error {
	opts, err := parseClearRunCacheFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, 2*time.Minute)
	defer cancel()

	_, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantRedis: true,
	})
	if err != nil {
		return err
	}
	if redisClient == nil {
		return writeln(os.Stderr, "Redis client is not available")
	}
	defer func() {
		if closeErr := redisClient.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", closeErr)
		}
	}()

	if opts.RunID != "" {
		return clearSingleSnapshot(ctx, redisClient, opts)
	}
	return clearAllSnapshots(ctx, redisClient, opts)
}

func clearSingleSnapshot(ctx context.Context, client redis.UniversalClient, opts clearRunCacheOptions) error {
	key := runSnapshotKeyPrefix + opts.RunID
	if opts.DryRun {
		return writef(os.Stdout, "Dry-run: would delete %s\n", key)
	}

	n, err := client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	if n == 0 {
		return writef(os.Stdout, "No cached snapshot for run %s\n", opts.RunID)
	}
	return writef(os.Stdout, "Deleted cached snapshot for run %s\n", opts.RunID)
}

func clearAllSnapshots(ctx context.Context, client redis.UniversalClient, opts clearRunCacheOptions) error {
	const batchCap = 1000

	pattern := runSnapshotKeyPrefix + "*"
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()

	var (
		total   int
		deleted int64
		batch   = make([]string, 0, batchCap)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if opts.DryRun {
			deleted += int64(len(batch))
			batch = batch[:0]
			return nil
		}
		n, delErr := client.Del(ctx, batch...).Result()
		if delErr != nil {
			return fmt.Errorf("delete snapshot batch: %w", delErr)
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		total++
		batch = append(batch, iter.Val())
		if len(batch) == batchCap {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	if total == 0 {
		return writeln(os.Stdout, "No cached run snapshots found")
	}
	if opts.DryRun {
		return writef(os.Stdout, "Dry-run: would delete %d/%d snapshots\n", deleted, total)
	}
	return writef(os.Stdout, "Deleted %d/%d cached run snapshots\n", deleted, total)
}

func parseRunStatusFlags(args []string) (runStatusOptions, error) {
	fs := flag.NewFlagSet("run-status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts runStatusOptions
	fs.StringVar(&opts.RunID, "run-id", "", "Run ID to inspect (required)")

	if err := fs.Parse(args); err != nil {
		return runStatusOptions{}, err
	}

	opts.RunID = strings.TrimSpace(opts.RunID)
	if opts.RunID == "" {
		return runStatusOptions{}, errors.New("--run-id is required")
	}

	return opts, nil
}

func parseCancelRunFlags(args []string) (cancelRunOptions, error) {
	fs := flag.NewFlagSet("cancel-run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts cancelRunOptions
	fs.StringVar(&opts.RunID, "run-id", "", "Run ID to cancel (required)")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return cancelRunOptions{}, err
	}

	opts.RunID = strings.TrimSpace(opts.RunID)
	if opts.RunID == "" {
		return cancelRunOptions{}, errors.New("--run-id is required")
	}

	return opts, nil
}

func parseClearRunCacheFlags(args []string) (clearRunCacheOptions, error) {
	fs := flag.NewFlagSet("clear-run-cache", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts clearRunCacheOptions
	fs.StringVar(&opts.RunID, "run-id", "", "Run ID whose snapshot should be cleared")
	fs.BoolVar(&opts.All, "all", false, "Clear snapshots for all runs")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Print actions without executing")

	if err := fs.Parse(args); err != nil {
		return clearRunCacheOptions{}, err
	}

	opts.RunID = strings.TrimSpace(opts.RunID)
	if opts.RunID == "" && !opts.All {
		return clearRunCacheOptions{}, errors.New("either --run-id or --all is required")
	}
	if opts.RunID != "" && opts.All {
		return clearRunCacheOptions{}, errors.New("--run-id and --all are mutually exclusive")
	}

	return opts, nil
}

func renderTTL(d time.Duration) string {
	switch {
	case d == -1*time.Second:
		return "no expiry"
	case d == -2*time.Second:
		return "key missing"
	default:
		return d.String()
	}
}
