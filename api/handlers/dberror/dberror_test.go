package dberror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/malbeclabs/payouts/utils/pkg/retry"
	"github.com/stretchr/testify/require"
)

func TestPayouts_DBError_Classify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", fmt.Errorf("list 1: %w", store.ErrNotFound), KindNotFound},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, KindUnavailable},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, KindUnavailable},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, KindUnavailable},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, KindTimeout},
		{"bad password", &pgconn.PgError{Code: "28P01"}, KindAuth},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, KindQuery},
		{"unique violation", &pgconn.PgError{Code: "23505"}, KindUnknown},
		{"clickhouse network", &clickhouse.Exception{Code: 210}, KindUnavailable},
		{"clickhouse timeout", &clickhouse.Exception{Code: 159}, KindTimeout},
		{"clickhouse unknown table", fmt.Errorf("totals: %w", &clickhouse.Exception{Code: 60}), KindQuery},
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindUnavailable},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"closed pool", errors.New("closed pool"), KindUnavailable},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPayouts_DBError_IsTransient(t *testing.T) {
	t.Parallel()
	require.True(t, IsTransient(&pgconn.PgError{Code: "57P03"}))
	require.True(t, IsTransient(&pgconn.PgError{Code: "57014"}))
	require.False(t, IsTransient(store.ErrNotFound))
	require.False(t, IsTransient(&pgconn.PgError{Code: "42P01"}))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(context.DeadlineExceeded))
	require.False(t, IsTransient(nil))
}

func TestPayouts_DBError_Retry(t *testing.T) {
	t.Parallel()
	cfg := retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	t.Run("retries transient store errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		v, err := Retry(t.Context(), cfg, func() (int, error) {
			calls++
			if calls < 3 {
				// No message heuristic matches this; only the SQLSTATE does.
				return 0, &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"}
			}
			return 7, nil
		})
		require.NoError(t, err)
		require.Equal(t, 7, v)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts keeping the cause", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := Retry(t.Context(), cfg, func() (int, error) {
			calls++
			return 0, &clickhouse.Exception{Code: 210, Message: "network"}
		})
		require.Error(t, err)
		require.Equal(t, 3, calls)
		require.True(t, IsTransient(err))
		var chErr *clickhouse.Exception
		require.ErrorAs(t, err, &chErr)
	})

	t.Run("does not retry not found", func(t *testing.T) {
		t.Parallel()
		calls := 0
		v, err := Retry(t.Context(), cfg, func() (int, error) {
			calls++
			return 5, store.ErrNotFound
		})
		require.ErrorIs(t, err, store.ErrNotFound)
		require.Zero(t, v)
		require.Equal(t, 1, calls)
	})
}

func TestPayouts_DBError_UserMessage(t *testing.T) {
	t.Parallel()
	require.Empty(t, UserMessage(nil))
	require.Contains(t, UserMessage(&pgconn.PgError{Code: "08001"}), "temporarily unavailable")
	require.Contains(t, UserMessage(&pgconn.PgError{Code: "42P01"}), "unexpected error")
}
