// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/forwardx/relay/pkg/platform"
)

// RetryConfig tunes delivery retries for transient destination errors.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	BaseDelayMS    int     `yaml:"base_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	JitterFraction float64 `yaml:"jitter_fraction"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		BaseDelayMS:    500,
		MaxDelayMS:     15000,
		JitterFraction: 0.2,
	}
}

// Forwarder delivers cleaned messages to a destination, retrying transient
// failures with exponential backoff and classifying permanent ones so the
// router can react (mark sessions, pause pairs) instead of retrying forever.
type Forwarder struct {
	cfg   RetryConfig
	log   zerolog.Logger
	sleep func(context.Context, time.Duration) error
}

func NewForwarder(cfg RetryConfig, log zerolog.Logger) *Forwarder {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.BaseDelayMS <= 0 {
		cfg.BaseDelayMS = DefaultRetryConfig().BaseDelayMS
	}
	if cfg.MaxDelayMS < cfg.BaseDelayMS {
		cfg.MaxDelayMS = DefaultRetryConfig().MaxDelayMS
	}
	return &Forwarder{
		cfg:   cfg,
		log:   log.With().Str("component", "forwarder").Logger(),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Create sends a new message and returns the destination message ID.
func (f *Forwarder) Create(ctx context.Context, pairID string, dest platform.Destination, channelRef string, msg platform.OutgoingMessage) (string, error) {
	var destID string
	err := f.attempt(ctx, pairID, "create", func(ctx context.Context) error {
		var err error
		destID, err = dest.CreateMessage(ctx, channelRef, msg)
		return err
	})
	return destID, err
}

// Edit applies new content to an already-delivered message.
func (f *Forwarder) Edit(ctx context.Context, pairID string, dest platform.Destination, channelRef, destID string, msg platform.OutgoingMessage) error {
	return f.attempt(ctx, pairID, "edit", func(ctx context.Context) error {
		return dest.EditMessage(ctx, channelRef, destID, msg)
	})
}

// Delete removes a delivered message. A permanent not-found is treated as
// success: the message is already gone.
func (f *Forwarder) Delete(ctx context.Context, pairID string, dest platform.Destination, channelRef, destID string) error {
	err := f.attempt(ctx, pairID, "delete", func(ctx context.Context) error {
		return dest.DeleteMessage(ctx, channelRef, destID)
	})
	var remote *platform.RemoteError
	if errors.As(err, &remote) && remote.StatusCode == 404 {
		return nil
	}
	return err
}

func (f *Forwarder) attempt(ctx context.Context, pairID, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if platform.IsPermanent(err) {
			f.log.Warn().Err(err).
				Str("pair_id", pairID).
				Str("op", op).
				Msg("Permanent delivery error, not retrying")
			return &ForwardError{Op: op, PairID: pairID, Fatal: true, Attempts: attempt, Err: err}
		}
		if attempt == f.cfg.MaxAttempts {
			break
		}

		delay := f.backoff(attempt)
		f.log.Debug().Err(err).
			Str("pair_id", pairID).
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Transient delivery error, retrying")
		if err := f.sleep(ctx, delay); err != nil {
			return &ForwardError{Op: op, PairID: pairID, Attempts: attempt, Err: err}
		}
	}
	return &ForwardError{
		Op:       op,
		PairID:   pairID,
		Attempts: f.cfg.MaxAttempts,
		Err:      errors.Join(ErrRetryExhausted, lastErr),
	}
}

func (f *Forwarder) backoff(attempt int) time.Duration {
	base := time.Duration(f.cfg.BaseDelayMS) * time.Millisecond
	max := time.Duration(f.cfg.MaxDelayMS) * time.Millisecond
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	if f.cfg.JitterFraction > 0 {
		jitter := time.Duration(float64(delay) * f.cfg.JitterFraction * rand.Float64())
		delay += jitter
	}
	return delay
}
