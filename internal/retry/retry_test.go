package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
)

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var buf bytes.Buffer
	calls := 0

	err := DefaultPolicy().Do(context.Background(), bufferLogger(&buf), "fetch", func(context.Context) error {
		calls++
		if calls < 3 {
			return nerrors.NewNetworkError("chunked stream ended early", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, strings.Count(buf.String(), "retrying operation"))
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestDo_PropagatesLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := DefaultPolicy().Do(context.Background(), nil, "fetch", func(context.Context) error {
		calls++
		return nerrors.NewNetworkError(fmt.Sprintf("attempt %d", calls), nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "attempt 3")
	assert.ErrorIs(t, err, nerrors.ErrTransientNetwork)
}

func TestDo_NonRetriableFailsImmediately(t *testing.T) {
	calls := 0
	err := DefaultPolicy().Do(context.Background(), nil, "fetch", func(context.Context) error {
		calls++
		return nerrors.NewUpstreamError(nerrors.CodeHTTPStatus, "status 404", nil)
	})

	assert.ErrorIs(t, err, nerrors.ErrUpstreamHTTP)
	assert.Equal(t, 1, calls)
}

func TestDo_EmptyRetriableUsesTaxonomy(t *testing.T) {
	p := Policy{MaxAttempts: 2}
	calls := 0
	err := p.Do(context.Background(), nil, "upload", func(context.Context) error {
		calls++
		return nerrors.NewStorageError(nerrors.CodeUploadFailed, "503", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	_ = p.Do(context.Background(), nil, "get", func(context.Context) error {
		calls++
		return errors.New("plain")
	})
	assert.Equal(t, 1, calls)
}

func TestDo_WaitsOnClockWithBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := Policy{
		MaxAttempts: 3,
		Delay:       time.Second,
		Multiplier:  2,
		MaxDelay:    90 * time.Second,
		Clock:       clock,
	}

	attempts := make(chan int, 3)
	done := make(chan error, 1)
	go func() {
		n := 0
		done <- p.Do(context.Background(), nil, "fetch", func(context.Context) error {
			n++
			attempts <- n
			if n < 3 {
				return nerrors.ErrTransientNetwork
			}
			return nil
		})
	}()

	assert.Equal(t, 1, <-attempts)
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)

	assert.Equal(t, 2, <-attempts)
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 3, <-attempts)
	require.NoError(t, <-done)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := Policy{MaxAttempts: 5, Delay: time.Minute, Clock: clock}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, nil, "fetch", func(context.Context) error {
			return nerrors.ErrTransientNetwork
		})
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()
	assert.ErrorIs(t, <-done, nerrors.ErrTransientNetwork)
}

func TestDo_OnRetryHook(t *testing.T) {
	var seen []int
	p := DefaultPolicy()
	p.OnRetry = func(attempt int, _ error) { seen = append(seen, attempt) }

	_ = p.Do(context.Background(), nil, "fetch", func(context.Context) error {
		return nerrors.ErrTransientNetwork
	})
	assert.Equal(t, []int{1, 2}, seen)
}

func TestNext_CapsAtMaxDelay(t *testing.T) {
	p := Policy{Multiplier: 10, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.next(time.Second))
	assert.Equal(t, time.Second, Policy{}.next(time.Second))
}
