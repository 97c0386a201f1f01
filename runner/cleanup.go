package runner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultCleanupInterval is how often CleanupWorker sweeps for expired run
// directories.
const DefaultCleanupInterval = time.Hour

// DefaultRunDirTTL is how long a run directory survives after its container
// exits before being removed. Deliberately not immediate: deleting right
// after exit would race whatever reads output.json to learn the result
// (spec.md §4.5).
const DefaultRunDirTTL = 24 * time.Hour

// CleanupWorker periodically removes run directories under DataDir that are
// older than TTL, across every tenant.
type CleanupWorker struct {
	DataDir  string
	TTL      time.Duration
	Interval time.Duration
	logger   *slog.Logger
}

// NewCleanupWorker builds a worker rooted at dataDir with the package defaults.
func NewCleanupWorker(dataDir string, logger *slog.Logger) *CleanupWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupWorker{
		DataDir:  dataDir,
		TTL:      DefaultRunDirTTL,
		Interval: DefaultCleanupInterval,
		logger:   logger,
	}
}

// Run sweeps on Interval until ctx is done.
func (w *CleanupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep walks {DataDir}/{tenant}/runs/{instance} and removes any run
// directory whose modification time is older than TTL. Errors for
// individual entries are logged and do not stop the sweep.
func (w *CleanupWorker) sweep() {
	tenants, err := os.ReadDir(w.DataDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-w.TTL)

	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}
		runsDir := filepath.Join(w.DataDir, tenant.Name(), "runs")
		entries, err := os.ReadDir(runsDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(runsDir, entry.Name())
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				w.logger.Warn("failed to remove expired run directory", "path", path, "error", err)
				continue
			}
			w.logger.Debug("removed expired run directory", "path", path)
		}
	}
}
