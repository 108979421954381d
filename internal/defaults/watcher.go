package defaults

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-relay/internal/registry"
)

const (
	DefaultPollInterval = 60 * time.Second

	// maxBackoff caps exponential backoff on consecutive fetch errors.
	maxBackoff = 10 * time.Minute
)

type pollResult int

const (
	pollNoChange    pollResult = iota // document bytes unchanged
	pollApplied                       // new document decoded and synced
	pollFetchError                    // source unreachable, caller backs off
	pollRejected                      // fetched but failed to decode or validate
)

type WatcherOptions struct {
	Logger       log.Logger
	Registry     *registry.Registry
	Source       Source
	EnvPrefix    string
	PollInterval time.Duration
	Recorder     Recorder

	// OnApply runs after a new document has been synced into the registry.
	OnApply func(doc Document)
}

// Watcher polls a Source and syncs the registry whenever the document
// changes. A document that fails to decode or validate is ignored and the
// registry keeps its current defaults.
type Watcher struct {
	reg       *registry.Registry
	src       Source
	envPrefix string
	logger    log.Logger
	interval  time.Duration
	rec       Recorder
	onApply   func(doc Document)

	currentHash     string
	consecutiveErrs int
	pollCount       int64
	applyCount      int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Registry == nil {
		opts.Registry = registry.Default
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		reg:       opts.Registry,
		src:       opts.Source,
		envPrefix: opts.EnvPrefix,
		logger:    opts.Logger.With("component", "defaults-watcher", "source", opts.Source.String()),
		interval:  interval,
		rec:       opts.Recorder,
		onApply:   opts.OnApply,
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "defaults watcher starting", "poll_interval", w.interval.String())

	w.checkOnce(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "defaults watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"applied", w.applyCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)
			if result == pollFetchError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "defaults watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "defaults watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

// Prime fetches and syncs the document once, returning any fetch, decode
// or validation error. Call it before Run so the registry holds the
// document before anything is built from it; Run then skips the unchanged
// document on its first poll.
func (w *Watcher) Prime(ctx context.Context) error {
	_, err := w.poll(ctx)
	return err
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	result, err := w.poll(ctx)
	switch result {
	case pollFetchError:
		w.logger.Error(ctx, err, "defaults watcher: fetch failed")
	case pollRejected:
		w.logger.Error(ctx, err, "defaults watcher: document rejected, keeping current defaults",
			"hash", w.currentHash[:12],
		)
	}
	return result
}

func (w *Watcher) poll(ctx context.Context) (pollResult, error) {
	w.pollCount++

	data, err := w.src.Fetch(ctx)
	if err != nil {
		return pollFetchError, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if hash == w.currentHash {
		return pollNoChange, nil
	}

	doc, err := Decode(data, w.envPrefix)
	if err == nil {
		err = Sync(w.reg, doc, w.rec)
	}
	// remember the hash even when rejected so the same bad document is not
	// re-logged every poll
	w.currentHash = hash
	if err != nil {
		return pollRejected, err
	}

	w.applyCount++
	w.logger.Info(ctx, "defaults watcher: document applied",
		"hash", hash[:12],
		"types", doc.Names(),
	)

	if w.onApply != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnApply panic: %v", r),
						"defaults watcher: OnApply callback panicked, continuing",
					)
				}
			}()
			w.onApply(doc)
		}()
	}
	return pollApplied, nil
}

// backoffDuration is interval * 2^consecutiveErrs capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
