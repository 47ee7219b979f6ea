package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/kgstream/pkg/kgstream/config"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
)

// envPrefix marks environment variables that override the config file,
// e.g. KGSTREAM_STREAM__MAX_BATCH=10.
const envPrefix = "KGSTREAM"

// settings are the resolved global options. Flags win over the environment,
// which wins over the config file.
type settings struct {
	configPath string

	dataDir         string
	progressBackend string
	progressPath    string
	logLevel        string
	logFormat       string

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	s := &settings{}

	root := &cobra.Command{
		Use:           "kgstream",
		Short:         "Event log, projection progress and indexing stream tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&s.configPath, "config", "c", "", "Config file (.yaml, .yml or .json)")
	flags.StringVar(&s.dataDir, "data-dir", "data", "Directory of the Pebble event log")
	flags.StringVar(&s.progressBackend, "progress-backend", "pebble", "Progress store: pebble|sqlite")
	flags.StringVar(&s.progressPath, "progress-db", "", "SQLite progress database (default <data-dir>/progress.db)")
	flags.StringVar(&s.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	flags.StringVar(&s.logFormat, "log-format", "text", "Log format: text|json")

	root.AddCommand(
		newProgressCommand(s),
		newEventsCommand(s),
		newDemoCommand(s),
	)
	return root
}

// load reads the config file and environment and fills every option not
// set by a flag.
func (s *settings) load(cmd *cobra.Command) error {
	cfg, err := config.Load(s.configPath, envPrefix)
	if err != nil {
		return err
	}
	s.cfg = cfg

	flags := cmd.Flags()
	pick := func(flag string, dst *string, key string) {
		if !flags.Changed(flag) {
			*dst = s.cfg.String(key, *dst)
		}
	}
	pick("data-dir", &s.dataDir, "data_dir")
	pick("log-level", &s.logLevel, "log_level")
	pick("log-format", &s.logFormat, "log_format")
	progressCfg := s.cfg.Sub("progress")
	if !flags.Changed("progress-backend") {
		s.progressBackend = progressCfg.String("backend", s.progressBackend)
	}
	if !flags.Changed("progress-db") {
		s.progressPath = progressCfg.String("path", s.progressPath)
	}
	if s.progressPath == "" {
		s.progressPath = filepath.Join(s.dataDir, "progress.db")
	}
	return nil
}

func (s *settings) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", s.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(s.logFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q; use text|json", s.logFormat)
	}
}

// workspace is the event log and progress store the commands operate on.
type workspace struct {
	log      *eventlog.PebbleLog
	progress progress.Store
}

// progressLister is implemented by the durable progress stores.
type progressLister interface {
	List(ctx context.Context) (map[string]progress.Progress, error)
}

func (s *settings) open() (*workspace, error) {
	log, err := eventlog.OpenPebble(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	ws := &workspace{log: log}
	switch strings.ToLower(s.progressBackend) {
	case "pebble", "":
		// Progress lives next to the events under its own key prefix.
		ws.progress = progress.NewPebbleStore(log.DB())
	case "sqlite":
		store, err := progress.NewSQLiteStore(s.progressPath)
		if err != nil {
			_ = log.Close()
			return nil, err
		}
		ws.progress = store
	default:
		_ = log.Close()
		return nil, fmt.Errorf("invalid progress backend %q; use pebble|sqlite", s.progressBackend)
	}
	return ws, nil
}

func (w *workspace) Close() error {
	return errors.Join(w.progress.Close(), w.log.Close())
}
