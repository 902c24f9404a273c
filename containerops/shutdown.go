package containerops

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ShutdownGrace is the bounded wait spec.md §5/§6 gives the process to
// destroy every sandbox before it forces exit.
const ShutdownGrace = 30 * time.Second

// DestroyTagged enumerates every sandbox the factory created under
// prefix and destroys them concurrently, bounded to ShutdownGrace. It is
// the shutdown-hook sweep described in spec.md §6, a safety net for
// sandboxes whose owning proxy no longer exists (e.g. after a process
// restart); a live proxy still destroys its own sandbox on its own
// shutdown path.
func DestroyTagged(ctx context.Context, log *slog.Logger, tagger Tagger, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, ShutdownGrace)
	defer cancel()

	ids, err := tagger.List(ctx, prefix)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		return nil
	}

	log.Info("destroying tagged sandboxes", "prefix", prefix, "count", len(ids))

	g, ctx := errgroup.WithContext(ctx)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := tagger.DestroyByID(ctx, id); err != nil {
				log.Error("failed to destroy sandbox during shutdown sweep", "sandbox", id, "error", err)
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
