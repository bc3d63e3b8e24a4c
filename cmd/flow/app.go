package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/flow/internal/catalog"
	"github.com/kingrea/flow/internal/config"
	"github.com/kingrea/flow/internal/logbook"
	"github.com/kingrea/flow/internal/logging"
	"github.com/kingrea/flow/internal/metrics"
	"github.com/kingrea/flow/internal/navigator"
	"github.com/kingrea/flow/internal/task"
	"github.com/kingrea/flow/internal/workflow/store"
)

const projectSource = "project"

// app holds everything a command needs, wired from .flow/config.yaml.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics
	defs    *store.Store
	tasks   *task.Store
	book    *logbook.Logbook
	nav     *navigator.Navigator
}

func openApp(flags *globalFlags, withRuntimeMetrics bool) (*app, error) {
	cfg, err := config.NewConfig(flags.projectDir)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel()
	if flags.logLevel != "" {
		if err := level.UnmarshalText([]byte(flags.logLevel)); err != nil {
			return nil, fmt.Errorf("invalid --log-level %q", flags.logLevel)
		}
	}
	logger, err := logging.New(cfg.ProjectDir, level)
	if err != nil {
		return nil, err
	}
	book, err := logbook.New(filepath.Join(cfg.LogsDir(), logbook.FileName))
	if err != nil {
		logger.Close()
		return nil, err
	}
	if err := os.MkdirAll(cfg.TasksDir(), 0o755); err != nil {
		logger.Close()
		return nil, fmt.Errorf("create task dir: %w", err)
	}

	a := &app{cfg: cfg, log: logger, book: book, metrics: metrics.New(withRuntimeMetrics)}
	a.defs = store.New(store.WithLogger(logger.Logger), store.WithObserver(a.metrics))
	a.loadSources()
	a.tasks = task.NewStore(cfg.TasksDir(),
		task.WithLogger(logger.Logger),
		task.WithHealObserver(a.metrics),
	)
	a.nav = navigator.New(a.defs, a.tasks,
		navigator.WithNamespace(cfg.AgentNamespace()),
		navigator.WithDefaultAutonomy(cfg.Autonomy()),
		navigator.WithLogger(logger.Logger),
		navigator.WithRecorder(a.metrics),
		navigator.WithLogbook(book),
	)
	return a, nil
}

// loadSources registers the catalog, external, and project sources in that
// order. Broken files are logged and skipped so one bad definition never
// takes the rest offline.
func (a *app) loadSources() {
	var sources []store.Source
	if a.cfg.CatalogEnabled() {
		sources = append(sources, catalog.Source())
	}
	for _, ext := range a.cfg.ExternalSources() {
		sources = append(sources, store.Source{Name: "external:" + ext, Kind: store.KindExternal, Paths: []string{ext}})
	}
	sources = append(sources, store.Source{Name: projectSource, Kind: store.KindProject, Paths: a.cfg.WorkflowDirs()})
	for _, src := range sources {
		if _, err := a.defs.LoadSource(src); err != nil {
			a.log.Warn("workflow source has errors", "source", src.Name, "error", err)
		}
	}
}

func (a *app) projectWorkflowDir() string {
	dirs := a.cfg.WorkflowDirs()
	if len(dirs) == 0 {
		return filepath.Join(a.cfg.FlowProjectDir, "workflows")
	}
	return dirs[0]
}

func (a *app) close() {
	if a == nil {
		return
	}
	if err := a.log.Close(); err != nil {
		slog.Default().Warn("close log", "error", err)
	}
}

func splitIDs(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
