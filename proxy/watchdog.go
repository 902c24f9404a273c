package proxy

import (
	"context"
	"log/slog"
	"time"

	"miren.dev/invoker/containerops"
)

// Watchdog periodically reconciles the Factory-tracked set of sandbox
// handles against the set of proxy IDs a Lister reports live,
// destroying any handle whose owning proxy is gone. It is a safety net
// against a proxy that died without running its own destroy path,
// adapted from controllers/sandbox/watchdog.go's orphan-container
// sweep, generalized from containerd-container orphans to proxy-owned
// sandbox orphans. Never started automatically by this core — a
// deployment opts in by calling Start.
type Watchdog struct {
	Log           *slog.Logger
	Tagger        containerops.Tagger
	Lister        Lister
	Prefix        string
	CheckInterval time.Duration

	cancel context.CancelFunc
}

// Lister reports the set of proxy IDs currently alive, used to decide
// which tagged sandboxes are orphaned.
type Lister interface {
	LiveProxyIDs() []string
}

func (w *Watchdog) Start(ctx context.Context) {
	if w.CheckInterval == 0 {
		w.CheckInterval = 5 * time.Minute
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.monitor(ctx)
}

func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watchdog) monitor(ctx context.Context) {
	ticker := time.NewTicker(w.CheckInterval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	ids, err := w.Tagger.List(ctx, w.Prefix)
	if err != nil {
		w.Log.Error("watchdog list failed", "error", err)
		return
	}

	live := make(map[string]bool)
	for _, id := range w.Lister.LiveProxyIDs() {
		live[id] = true
	}

	for _, id := range ids {
		if live[id] {
			continue
		}
		if err := w.Tagger.DestroyByID(ctx, id); err != nil {
			w.Log.Error("watchdog destroy failed", "sandbox", id, "error", err)
			continue
		}
		w.Log.Info("watchdog destroyed orphaned sandbox", "sandbox", id)
	}
}
