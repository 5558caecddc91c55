package repokit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"telemirror/internal/platform/testkit"
)

// fakePinger records the ctx it was invoked with and returns a preset error
type fakePinger struct {
	lastCtx context.Context
	err     error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.lastCtx = ctx
	return f.err
}

func (f *fakePinger) Guard(ctx context.Context) error { return f.Ping(ctx) }

func TestPing_NilDependency(t *testing.T) {
	t.Parallel()
	err := Ping(context.Background(), "pg", nil)
	if err == nil || !strings.Contains(err.Error(), "pg: nil dependency") {
		t.Fatalf("err = %v", err)
	}
}

func TestPing_AddsDefaultTimeoutWhenNone(t *testing.T) {
	t.Parallel()
	fp := &fakePinger{}
	start := time.Now()
	if err := Ping(context.Background(), "pg", fp); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	dl, ok := fp.lastCtx.Deadline()
	if !ok {
		t.Fatalf("expected a deadline on the ping ctx")
	}
	if d := dl.Sub(start); d <= 0 || d > defaultGuardTimeout+time.Second {
		t.Fatalf("deadline %v out of range", d)
	}
}

func TestPing_KeepsCallerDeadline(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	fp := &fakePinger{}
	_ = Ping(ctx, "pg", fp)
	want, _ := ctx.Deadline()
	if got, _ := fp.lastCtx.Deadline(); !got.Equal(want) {
		t.Fatalf("deadline replaced: %v vs %v", got, want)
	}
}

func TestPing_WrapsError(t *testing.T) {
	t.Parallel()
	boom := errors.New("refused")
	err := Ping(context.Background(), "sqlite", &fakePinger{err: boom})
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "sqlite ping failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestMustGuard(t *testing.T) {
	t.Parallel()
	testkit.MustNotPanic(t, func() { MustGuard(context.Background(), &fakePinger{}) })
	testkit.MustPanic(t, func() { MustGuard(context.Background(), &fakePinger{err: errors.New("down")}) })
}
