// Package knotwork is the composition root: it wires the document
// store, query engine, full-text index, and session manager over one
// record directory. No business logic lives here, only wiring.
package knotwork

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/knotworklabs/knotwork/internal/config"
	"github.com/knotworklabs/knotwork/internal/graph"
	"github.com/knotworklabs/knotwork/internal/query"
	"github.com/knotworklabs/knotwork/internal/search"
	"github.com/knotworklabs/knotwork/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Options configures Open.
type Options struct {
	// ConfigPath points at an optional YAML config file; empty or
	// missing files fall back to defaults.
	ConfigPath string
	// Logger receives structured warnings and lifecycle events. Nil
	// uses the logrus standard logger.
	Logger *logrus.Logger
}

// Workspace is an opened record directory with every subsystem wired:
// the graph store over its documents, the selector query engine, the
// full-text index, and the session manager.
type Workspace struct {
	Store    *graph.Store
	Query    *query.Engine
	Sessions *session.Manager

	// Index is nil when the full-text index failed to initialize; the
	// workspace stays fully functional without it.
	Index *search.Index

	cfg config.Config
	log *logrus.Logger
}

// Open creates the directory if needed, loads every document in it,
// and wires the subsystems. This is the single place where all
// dependencies are resolved.
//
// The full-text index is an independent subsystem: if it fails to
// initialize the workspace still works, with Index left nil and a
// warning logged.
func Open(dir string, opts Options) (*Workspace, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("knotwork: load config: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("knotwork: create directory: %w", err)
	}

	store := graph.New(dir, graph.WithLogger(log))
	if _, err := store.Load(); err != nil {
		return nil, fmt.Errorf("knotwork: load documents: %w", err)
	}

	ws := &Workspace{
		Store:    store,
		Query:    query.New(dir, cfg.CacheTTL),
		Sessions: session.NewManager(store, cfg, session.WithLogger(log)),
		cfg:      cfg,
		log:      log,
	}

	index, err := search.Open(dir)
	if err != nil {
		log.WithField("error", err).Warn("full-text index disabled")
		return ws, nil
	}
	if _, err := index.Rebuild(store); err != nil {
		index.Close()
		log.WithField("error", err).Warn("full-text index disabled")
		return ws, nil
	}
	ws.Index = index
	return ws, nil
}

// Config returns the effective configuration the workspace was opened
// with.
func (ws *Workspace) Config() config.Config {
	return ws.cfg
}

// Search runs a full-text query over the indexed nodes. Without an
// index it returns no results.
func (ws *Workspace) Search(q string, limit int) ([]search.Result, error) {
	if ws.Index == nil {
		return nil, nil
	}
	return ws.Index.Search(q, limit)
}

// Close releases the workspace's resources.
func (ws *Workspace) Close() error {
	if ws.Index == nil {
		return nil
	}
	return ws.Index.Close()
}
