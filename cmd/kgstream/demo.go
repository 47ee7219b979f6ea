package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/kgstream/pkg/kgstream/aggregate"
	"github.com/randalmurphal/kgstream/pkg/kgstream/config"
	"github.com/randalmurphal/kgstream/pkg/kgstream/daemon"
	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
	kgerrors "github.com/randalmurphal/kgstream/pkg/kgstream/errors"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/failures"
	"github.com/randalmurphal/kgstream/pkg/kgstream/index"
	"github.com/randalmurphal/kgstream/pkg/kgstream/observability"
	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
	"github.com/randalmurphal/kgstream/pkg/kgstream/projects"
	"github.com/randalmurphal/kgstream/pkg/kgstream/stream"
)

// defaultDaemonRetry restarts a failed stream up to five times.
var defaultDaemonRetry = kgerrors.Exponential(time.Second, 30*time.Second, 5, 0.1)

// demoSummary is printed once the stream has caught up.
type demoSummary struct {
	Head      eventlog.Offset   `json:"head"`
	Progress  progress.Progress `json:"progress"`
	Documents int               `json:"documents"`
	Daemon    daemon.Status     `json:"daemon"`
	Failures  failures.Stats    `json:"failures"`
}

// docCounter counts the documents of one index.
type docCounter func(ctx context.Context, name string) (int, error)

func newDemoCommand(s *settings) *cobra.Command {
	var (
		count        int
		owner        string
		indexBackend string
		indexPath    string
		wait         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Write project events and index them with a supervised stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := s.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			indexCfg := s.cfg.Sub("index")
			if !cmd.Flags().Changed("index-backend") {
				indexBackend = indexCfg.String("backend", indexBackend)
			}
			if !cmd.Flags().Changed("index-db") {
				indexPath = indexCfg.String("path", indexPath)
			}
			if indexPath == "" {
				indexPath = filepath.Join(s.dataDir, "index.db")
			}

			ws, err := s.open()
			if err != nil {
				return err
			}
			defer ws.Close()

			client, counter, closeIndex, err := openIndex(indexBackend, indexPath)
			if err != nil {
				return err
			}
			defer closeIndex()

			return runDemo(cmd, demoEnv{
				settings: s,
				ws:       ws,
				index:    client,
				count:    counter,
				logger:   logger,
			}, owner, count, wait)
		},
	}
	cmd.Flags().IntVar(&count, "projects", 3, "Number of projects to create")
	cmd.Flags().StringVar(&owner, "owner", "demo", "Owner label of the projects")
	cmd.Flags().StringVar(&indexBackend, "index-backend", "memory", "Index backend: memory|sqlite")
	cmd.Flags().StringVar(&indexPath, "index-db", "", "SQLite index database (default <data-dir>/index.db)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for the stream to catch up")
	return cmd
}

func openIndex(backend, path string) (index.Client, docCounter, func(), error) {
	switch strings.ToLower(backend) {
	case "memory", "":
		m := index.NewMemoryIndex()
		count := func(_ context.Context, name string) (int, error) { return m.Count(name), nil }
		return m, count, func() {}, nil
	case "sqlite":
		db, err := index.NewSQLiteIndex(path)
		if err != nil {
			return nil, nil, nil, err
		}
		return db, db.Count, func() { _ = db.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("invalid index backend %q; use memory|sqlite", backend)
	}
}

type demoEnv struct {
	settings *settings
	ws       *workspace
	index    index.Client
	count    docCounter
	logger   *slog.Logger
}

// streamDefaults are overridden by the stream section of the config file.
func streamDefaults() config.Config {
	return config.New(map[string]any{
		"projection": "projects-index",
		"tag":        string(projects.Tag),
		"index":      projects.IndexName,
		"max_window": "200ms",
	})
}

func runDemo(cmd *cobra.Command, env demoEnv, owner string, count int, wait time.Duration) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg := env.settings.cfg
	metrics := observability.NewMetricsRecorder()
	spans := observability.NewSpanManager()

	aggOpts := append(aggregate.OptionsFromConfig(cfg.Sub("aggregate")),
		aggregate.WithLogger(env.logger),
		aggregate.WithMetrics(metrics),
		aggregate.WithSpanManager(spans),
	)
	agg, err := projects.New(env.ws.log, aggOpts...)
	if err != nil {
		return err
	}
	defer agg.Stop()

	streamCfg, err := stream.ConfigFrom(config.Merge(streamDefaults(), cfg.Sub("stream")))
	if err != nil {
		return err
	}
	if streamCfg.Mapping == nil {
		streamCfg.Mapping = projects.Mapping
	}

	store := progress.NewCachedStore(nil, env.ws.progress)
	failed := failures.NewMemory(failures.DefaultConfig)
	exchange := projects.NewExchange(env.ws.log, streamCfg.Index)

	daemonCfg := cfg.Sub("daemon")
	coord := daemon.NewCoordinator(
		daemon.WithLogger(env.logger),
		daemon.WithMetrics(metrics),
		daemon.WithHealthyAfter(daemonCfg.Duration("healthy_after", daemon.DefaultHealthyAfter)),
	)
	factory := stream.NewFactory(streamCfg, stream.Deps{
		Log:      env.ws.log,
		Progress: store,
		Index:    env.index,
		Exchange: exchange,
		Failures: failed,
		Logger:   env.logger,
		Metrics:  metrics,
		Spans:    spans,
	})
	d := coord.Run(ctx, streamCfg.Projection, factory, kgerrors.StrategyFromConfig(daemonCfg.Sub("retry"), defaultDaemonRetry))
	defer coord.Wait()
	defer cancel()

	target, err := writeProjects(ctx, agg, env.logger, owner, count)
	if err != nil {
		return err
	}
	if target == eventlog.NoOffset {
		if target, err = env.ws.log.Head(ctx); err != nil {
			return err
		}
	}

	p, err := awaitProgress(ctx, store, d, streamCfg.Projection, target, wait)
	if err != nil {
		return err
	}

	head, err := env.ws.log.Head(ctx)
	if err != nil {
		return err
	}
	docs, err := env.count(ctx, streamCfg.Index)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(demoSummary{
		Head:      head,
		Progress:  p,
		Documents: docs,
		Daemon:    d.Status(),
		Failures:  failed.Stats(),
	})
}

// writeProjects creates and tags count projects and returns the offset of
// the last event it appended. Projects left by an earlier run are tagged
// again rather than recreated.
func writeProjects(
	ctx context.Context,
	agg *aggregate.Aggregate[projects.State, projects.Command, projects.Event],
	logger *slog.Logger,
	owner string,
	count int,
) (eventlog.Offset, error) {
	var last eventlog.Offset
	for i := 1; i <= count; i++ {
		id := entity.Key(owner, fmt.Sprintf("project-%d", i))

		res, err := agg.Evaluate(ctx, id, projects.Create{
			Name:        fmt.Sprintf("Project %d", i),
			Description: "created by kgstream demo",
		})
		switch {
		case err == nil:
			last = max(last, res.Offset)
		case aggregate.IsRejection(err, aggregate.AlreadyExists):
			logger.Info("project exists", slog.String("entity_id", id.String()))
		default:
			return last, fmt.Errorf("create %s: %w", id, err)
		}

		_, rev, err := agg.State(ctx, id)
		if err != nil {
			return last, err
		}
		res, err = agg.Evaluate(ctx, id, projects.AddTags{Revision: rev, Tags: []string{"demo", owner}})
		switch {
		case err == nil:
			last = max(last, res.Offset)
		case aggregate.IsRejection(err, aggregate.Invalid):
			// Deprecated projects stay as they are.
			logger.Info("project not tagged", slog.String("entity_id", id.String()), slog.String("reason", err.Error()))
		default:
			return last, fmt.Errorf("tag %s: %w", id, err)
		}
	}
	return last, nil
}

// awaitProgress polls the projection until it reaches target, the daemon
// gives up or wait elapses.
func awaitProgress(ctx context.Context, store progress.Store, d *daemon.Daemon, projection string, target eventlog.Offset, wait time.Duration) (progress.Progress, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		p, err := store.Load(ctx, projection)
		if err != nil {
			return p, err
		}
		if p.Offset >= target {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-d.Done():
			if err := d.Err(); err != nil {
				return p, err
			}
			return p, errors.New("stream stopped before catching up")
		case <-deadline.C:
			return p, fmt.Errorf("projection %s at offset %d after %s, want %d", projection, p.Offset, wait, target)
		case <-tick.C:
		}
	}
}
