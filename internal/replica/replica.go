// Package replica keeps a follower's changelog in step with its master.
//
// The loop fetches serials strictly in order and only advances after the
// entry was applied locally, so every serial is applied exactly once.
// Transport, status and decode failures are logged and retried after a
// bounded backoff; they never stop the loop. Only a serial mismatch, which
// means local state diverged, ends it with an error.
package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"serialkv/internal/client"
	"serialkv/internal/codec"
	"serialkv/internal/engine"
	"serialkv/internal/log"
	"serialkv/internal/metrics"
	"serialkv/internal/mirror"
	"serialkv/internal/model"
)

// Store is the local changelog the replica applies to.
type Store interface {
	LatestSerial() model.Serial
	ApplyEntry(ctx context.Context, serial model.Serial, raw []byte) error
}

type Config struct {
	RetryInterval    time.Duration
	BackoffCoeff     int
	MaxRetryInterval time.Duration
	// SeedAttempts bounds how often Seed asks the master for a snapshot.
	SeedAttempts int
}

const (
	defaultRetryInterval    = time.Second
	defaultBackoffCoeff     = 2
	defaultMaxRetryInterval = 30 * time.Second
	defaultSeedAttempts     = 5
)

type Replica struct {
	store  Store
	master *client.Client
	cfg    Config
	logger *log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(store Store, master *client.Client, cfg Config, logger *log.Logger) *Replica {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.BackoffCoeff < 1 {
		cfg.BackoffCoeff = defaultBackoffCoeff
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = defaultMaxRetryInterval
	}
	if cfg.SeedAttempts <= 0 {
		cfg.SeedAttempts = defaultSeedAttempts
	}
	if logger == nil {
		logger = log.Default().Named("replica")
	}
	return &Replica{
		store:  store,
		master: master,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

var errFetch = errors.New("fetch failed")

// Run replicates until ctx is canceled. It returns nil on shutdown and an
// error wrapping engine.ErrSerialMismatch if local and master logs diverged.
func (r *Replica) Run(ctx context.Context) error {
	next := r.store.LatestSerial() + 1
	r.logger.Info("replicating from %s starting at serial %d", r.master.BaseURL(), next)

	failures := 0
	for {
		if ctx.Err() != nil {
			r.logger.Info("replica loop shutting down at serial %d", next)
			return nil
		}

		applied, err := r.step(ctx, next)
		switch {
		case err == nil:
			if applied {
				next++
				failures = 0
			}
		case errors.Is(err, engine.ErrSerialMismatch):
			r.logger.Error("replica diverged from master: %v", err)
			return err
		case ctx.Err() != nil:
			// the request was cut short by shutdown; report at loop head
		default:
			interval := retryInterval(r.cfg.RetryInterval, r.cfg.MaxRetryInterval, r.cfg.BackoffCoeff, failures)
			failures++
			if err := r.sleep(ctx, interval); err != nil {
				r.logger.Info("replica loop shutting down at serial %d", next)
				return nil
			}
		}
	}
}

// step performs one fetch for serial. It reports whether serial was applied.
func (r *Replica) step(ctx context.Context, serial model.Serial) (bool, error) {
	resp, err := r.master.Changelog(ctx, serial)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var se *client.StatusError
		if errors.As(err, &se) {
			r.logger.Error("%d: failed fetching %s", se.StatusCode, se.URL)
		} else {
			r.logger.Error("failed fetching %s: %v", r.master.ChangelogURL(serial), err)
		}
		metrics.ReplicaFailuresTotal.WithLabelValues("fetch").Inc()
		return false, errFetch
	}

	// master long-poll timed out; ask again
	if len(resp.Body) == 0 {
		return false, nil
	}

	entry, err := codec.DecodeEntry(resp.Body)
	if err == nil && entry.Serial != serial {
		err = &codec.DecodeError{Err: fmt.Errorf("entry carries serial %d, requested %d", entry.Serial, serial)}
	}
	if err != nil {
		r.logger.Error("could not read answer %s: %v", resp.URL, err)
		metrics.ReplicaFailuresTotal.WithLabelValues("decode").Inc()
		return false, err
	}

	if err := r.store.ApplyEntry(ctx, serial, resp.Body); err != nil {
		if errors.Is(err, engine.ErrSerialMismatch) {
			return false, err
		}
		if codec.IsDecodeError(err) {
			r.logger.Error("could not read answer %s: %v", resp.URL, err)
			metrics.ReplicaFailuresTotal.WithLabelValues("decode").Inc()
			return false, err
		}
		r.logger.Error("failed to apply serial %d: %v", serial, err)
		return false, errors.Wrapf(err, "apply serial %d", serial)
	}
	r.logger.Info("committed serial=%d (master at %d, %d changes)", serial, resp.Serial, len(entry.Mutations))
	metrics.ReplicaAppliedTotal.Inc()
	return true, nil
}

// SnapshotSource provides the master's complete project→serial map.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (model.NameSerials, error)
}

// Seed replaces state with the master's snapshot, retrying with backoff until
// it succeeds, SeedAttempts fetches failed or ctx is canceled.
func (r *Replica) Seed(ctx context.Context, src SnapshotSource, state *mirror.State) error {
	attempts := 0
	retryer := NewRetryer(func(ctx context.Context) error {
		m, err := src.Snapshot(ctx)
		if err != nil {
			attempts++
			if attempts >= r.cfg.SeedAttempts {
				return errors.Wrapf(err, "no snapshot after %d attempts", attempts)
			}
			return retryable{err: err}
		}
		state.Replace(m)
		r.logger.Info("seeded mirror state with %d projects", len(m))
		return nil
	}, r.cfg.RetryInterval, r.cfg.MaxRetryInterval, r.cfg.BackoffCoeff)
	retryer.logger = r.logger
	retryer.sleep = r.sleep
	return retryer.Run(ctx)
}

// Start seeds state from src and then replicates until ctx is canceled. A
// seed that keeps failing leaves state as rebuilt from the local changelog
// and does not hold back replication.
func (r *Replica) Start(ctx context.Context, src SnapshotSource, state *mirror.State) error {
	if err := r.Seed(ctx, src, state); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("serving mirror state from the local changelog: %v", err)
	}
	return r.Run(ctx)
}
