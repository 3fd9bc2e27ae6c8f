// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/forwardx/relay/pkg/platform"
)

// flakyDest fails a configurable number of times before succeeding.
type flakyDest struct {
	failures int
	err      error
	calls    int
	deleted  []string
}

var _ platform.Destination = (*flakyDest)(nil)

func (d *flakyDest) CreateMessage(ctx context.Context, channelRef string, msg platform.OutgoingMessage) (string, error) {
	d.calls++
	if d.calls <= d.failures {
		return "", d.err
	}
	return "dst-1", nil
}

func (d *flakyDest) EditMessage(ctx context.Context, channelRef, destinationID string, msg platform.OutgoingMessage) error {
	d.calls++
	if d.calls <= d.failures {
		return d.err
	}
	return nil
}

func (d *flakyDest) DeleteMessage(ctx context.Context, channelRef, destinationID string) error {
	d.calls++
	if d.calls <= d.failures {
		return d.err
	}
	d.deleted = append(d.deleted, destinationID)
	return nil
}

func newTestForwarder(t *testing.T) *Forwarder {
	t.Helper()
	f := NewForwarder(RetryConfig{MaxAttempts: 3, BaseDelayMS: 1, MaxDelayMS: 5}, zerolog.Nop())
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestCreateRetriesTransient(t *testing.T) {
	t.Parallel()
	f := newTestForwarder(t)
	dest := &flakyDest{failures: 2, err: errors.New("connection reset")}

	destID, err := f.Create(context.Background(), "pair-1", dest, "chan", platform.OutgoingMessage{Text: "hi"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if destID != "dst-1" {
		t.Errorf("destID: got %s", destID)
	}
	if dest.calls != 3 {
		t.Errorf("calls: got %d, want 3", dest.calls)
	}
}

func TestCreateExhaustsRetries(t *testing.T) {
	t.Parallel()
	f := newTestForwarder(t)
	dest := &flakyDest{failures: 10, err: errors.New("connection reset")}

	_, err := f.Create(context.Background(), "pair-1", dest, "chan", platform.OutgoingMessage{})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("got %v, want ErrRetryExhausted", err)
	}
	if dest.calls != 3 {
		t.Errorf("calls: got %d, want 3", dest.calls)
	}
	var fwdErr *ForwardError
	if !errors.As(err, &fwdErr) {
		t.Fatal("error should be a *ForwardError")
	}
	if fwdErr.Fatal {
		t.Error("exhaustion is not fatal")
	}
	if fwdErr.Attempts != 3 {
		t.Errorf("Attempts: got %d, want 3", fwdErr.Attempts)
	}
}

func TestCreatePermanentNoRetry(t *testing.T) {
	t.Parallel()
	f := newTestForwarder(t)
	dest := &flakyDest{
		failures: 10,
		err:      &platform.RemoteError{Op: "create", StatusCode: 403, Err: errors.New("forbidden")},
	}

	_, err := f.Create(context.Background(), "pair-1", dest, "chan", platform.OutgoingMessage{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsFatalForward(err) {
		t.Error("permanent error should be fatal")
	}
	if dest.calls != 1 {
		t.Errorf("calls: got %d, want 1 (no retry)", dest.calls)
	}
}

// A delete hitting 404 means the message is already gone, which is the
// desired end state.
func TestDeleteNotFoundIsSuccess(t *testing.T) {
	t.Parallel()
	f := newTestForwarder(t)
	dest := &flakyDest{
		failures: 10,
		err:      &platform.RemoteError{Op: "delete", StatusCode: 404, Err: errors.New("not found")},
	}

	if err := f.Delete(context.Background(), "pair-1", dest, "chan", "dst-1"); err != nil {
		t.Errorf("Delete: %v", err)
	}
}

func TestEditRetries(t *testing.T) {
	t.Parallel()
	f := newTestForwarder(t)
	dest := &flakyDest{failures: 1, err: errors.New("timeout")}

	if err := f.Edit(context.Background(), "pair-1", dest, "chan", "dst-1", platform.OutgoingMessage{Text: "v2"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if dest.calls != 2 {
		t.Errorf("calls: got %d, want 2", dest.calls)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	f := NewForwarder(RetryConfig{MaxAttempts: 5, BaseDelayMS: 1, MaxDelayMS: 5}, zerolog.Nop())
	dest := &flakyDest{failures: 10, err: errors.New("timeout")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Create(ctx, "pair-1", dest, "chan", platform.OutgoingMessage{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if dest.calls != 1 {
		t.Errorf("calls: got %d, want 1", dest.calls)
	}
}

func TestBackoffBounded(t *testing.T) {
	t.Parallel()
	f := NewForwarder(RetryConfig{MaxAttempts: 10, BaseDelayMS: 100, MaxDelayMS: 400, JitterFraction: 0}, zerolog.Nop())

	if got := f.backoff(1); got != 100*time.Millisecond {
		t.Errorf("backoff(1): got %v", got)
	}
	if got := f.backoff(2); got != 200*time.Millisecond {
		t.Errorf("backoff(2): got %v", got)
	}
	for attempt := 3; attempt <= 10; attempt++ {
		if got := f.backoff(attempt); got > 400*time.Millisecond {
			t.Errorf("backoff(%d) exceeds cap: %v", attempt, got)
		}
	}
}
