package preserve

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunSweeper drops expired snapshots on the configured interval until the
// context is cancelled. Run it in its own goroutine.
func (p *Preserver) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep removes expired store rows and stale fallback files.
func (p *Preserver) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if p.store != nil {
		n, err := p.store.DeleteExpired(ctx, now)
		if err != nil {
			p.log.Warn("snapshot retention sweep failed", "error", err)
		} else if n > 0 {
			p.log.Info("expired snapshots dropped", "count", n)
		}
	}

	p.sweepFallback(now)
}

// sweepFallback removes fallback files older than the DB retention window.
func (p *Preserver) sweepFallback(now time.Time) {
	if p.cfg.FallbackDir == "" {
		return
	}
	entries, err := os.ReadDir(p.cfg.FallbackDir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn("failed to read fallback directory", "dir", p.cfg.FallbackDir, "error", err)
		}
		return
	}

	cutoff := now.Add(-p.cfg.DBRetention)
	var removed int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(p.cfg.FallbackDir, e.Name())
		if err := os.Remove(path); err != nil {
			p.log.Warn("failed to remove stale fallback snapshot", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		p.log.Info("stale fallback snapshots removed", "dir", p.cfg.FallbackDir, "count", removed)
	}
}
