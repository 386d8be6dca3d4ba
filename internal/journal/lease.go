package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/kustocopy/internal/blob"
)

type leaseConfig struct {
	holder     string
	duration   time.Duration
	renewEvery time.Duration
}

// leaseKeeper owns the blob lease for the lifetime of a Store.
// It is a background task with its own stop channel; nothing about it is
// process-global.
type leaseKeeper struct {
	blob   blob.BlockBlob
	cfg    leaseConfig
	logger *slog.Logger
	lease  blob.Lease

	// lost is written by run before done is closed.
	lost error

	fatal chan error // buffered, size 1
	quit  chan struct{}
	done  chan struct{}
}

func startLeaseKeeper(ctx context.Context, b blob.BlockBlob, cfg leaseConfig, logger *slog.Logger) (*leaseKeeper, error) {
	if cfg.renewEvery <= 0 || cfg.renewEvery >= cfg.duration {
		return nil, fmt.Errorf("lease renew interval %s must be positive and shorter than lease duration %s",
			cfg.renewEvery, cfg.duration)
	}

	// The blob must exist before it can be leased.
	exists, err := b.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !exists {
		if err := b.Create(ctx); err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
	}

	lease, err := b.AcquireLease(ctx, cfg.holder, cfg.duration)
	if err != nil {
		return nil, err
	}
	logger.Info("bookmark lease acquired", "holder", cfg.holder, "expires_at", lease.ExpiresAt)

	k := &leaseKeeper{
		blob:   b,
		cfg:    cfg,
		logger: logger,
		lease:  lease,
		fatal:  make(chan error, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go k.run()
	return k, nil
}

func (k *leaseKeeper) run() {
	defer close(k.done)

	ticker := time.NewTicker(k.cfg.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-k.quit:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), k.cfg.duration-k.cfg.renewEvery)
			lease, err := k.blob.RenewLease(ctx, k.lease.ID, k.cfg.duration)
			cancel()
			if err != nil {
				k.logger.Error("bookmark lease renewal failed", "holder", k.cfg.holder, "error", err)
				k.lost = fmt.Errorf("renew bookmark lease: %w", err)
				k.fatal <- k.lost
				return
			}
			k.lease = lease
			k.logger.Debug("bookmark lease renewed", "expires_at", lease.ExpiresAt)
		}
	}
}

// stop ends renewal and releases the lease if it is still ours.
func (k *leaseKeeper) stop(ctx context.Context) error {
	close(k.quit)
	<-k.done

	if k.lost != nil {
		// Someone else holds it now.
		return nil
	}

	if err := k.blob.ReleaseLease(ctx, k.lease.ID); err != nil {
		return fmt.Errorf("release bookmark lease: %w", err)
	}
	k.logger.Info("bookmark lease released", "holder", k.cfg.holder)
	return nil
}
