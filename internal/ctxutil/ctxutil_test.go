package ctxutil

import (
	"context"
	"testing"
	"time"
)

func runAndGetDeadline(ctx context.Context, f func(context.Context, time.Duration) (context.Context, context.CancelFunc),
	d time.Duration) time.Time {
	ctx, cancel := f(ctx, d)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}

func TestOptionalTimeoutPositive(t *testing.T) {
	const timeout = time.Minute
	start := time.Now()
	lower := start.Add(timeout)
	upper := start.Add(timeout + time.Minute)
	if dl := runAndGetDeadline(context.Background(), OptionalTimeout, timeout); dl.Before(lower) || dl.After(upper) {
		t.Errorf("OptionalTimeout returned deadline %v; want in range [%v, %v]", dl, lower, upper)
	}
}

func TestOptionalTimeoutZero(t *testing.T) {
	if dl := runAndGetDeadline(context.Background(), OptionalTimeout, 0); !dl.IsZero() {
		t.Errorf("OptionalTimeout returned deadline %v for 0 timeout; want zero", dl)
	}
}

func TestShortenExistingDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	const d = 5 * time.Second
	orig, _ := ctx.Deadline()
	want := orig.Add(-d)
	if dl := runAndGetDeadline(ctx, Shorten, d); !dl.Equal(want) {
		t.Errorf("Shorten returned deadline %v; want %v", dl, want)
	}
}

func TestShortenNoDeadline(t *testing.T) {
	if dl := runAndGetDeadline(context.Background(), Shorten, 5*time.Second); !dl.IsZero() {
		t.Errorf("Shorten returned deadline %v with no existing deadline; want zero", dl)
	}
}

func TestDeadlineBefore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if !DeadlineBefore(ctx, time.Now().Add(time.Hour)) {
		t.Errorf("DeadlineBefore(ctx, +1h) = false; want true")
	}
	if DeadlineBefore(ctx, time.Now().Add(-time.Hour)) {
		t.Errorf("DeadlineBefore(ctx, -1h) = true; want false")
	}
	if DeadlineBefore(context.Background(), time.Now().Add(time.Hour)) {
		t.Errorf("DeadlineBefore(no-deadline ctx, ...) = true; want false")
	}
}
