// Package dberror classifies settlement store and payment archive errors
// for the read API.
package dberror

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/malbeclabs/payouts/utils/pkg/retry"
)

// Kind is the class of a store error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound is store.ErrNotFound.
	KindNotFound
	// KindUnavailable means the database could not serve the request right
	// now: connection loss, shutdown, overload or a serialization conflict.
	KindUnavailable
	KindTimeout
	KindAuth
	// KindQuery is a statement the database rejected, usually a schema
	// that is behind the code.
	KindQuery
)

// Postgres SQLSTATE codes and classes.
var (
	pgUnavailable = map[string]bool{
		"40001": true, // serialization_failure
		"40P01": true, // deadlock_detected
		"53300": true, // too_many_connections
		"57P01": true, // admin_shutdown
		"57P02": true, // crash_shutdown
		"57P03": true, // cannot_connect_now
	}
	pgTimeout = map[string]bool{
		"57014": true, // query_canceled
		"55P03": true, // lock_not_available
	}
)

// ClickHouse server exception codes.
var chKinds = map[int32]Kind{
	47:  KindQuery,       // UNKNOWN_IDENTIFIER
	60:  KindQuery,       // UNKNOWN_TABLE
	62:  KindQuery,       // SYNTAX_ERROR
	159: KindTimeout,     // TIMEOUT_EXCEEDED
	192: KindAuth,        // UNKNOWN_USER
	202: KindUnavailable, // TOO_MANY_SIMULTANEOUS_QUERIES
	209: KindTimeout,     // SOCKET_TIMEOUT
	210: KindUnavailable, // NETWORK_ERROR
	516: KindAuth,        // AUTHENTICATION_FAILED
}

// Classify determines the kind of a store or archive error.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, store.ErrNotFound) {
		return KindNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPg(pgErr.Code)
	}
	var chErr *clickhouse.Exception
	if errors.As(err, &chErr) {
		if k, ok := chKinds[chErr.Code]; ok {
			return k
		}
		return KindUnknown
	}

	if pgconn.Timeout(err) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindUnavailable
	}
	// pgxpool and clickhouse-go report a closed pool only by message.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "closed pool") || strings.Contains(msg, "pool is closed") {
		return KindUnavailable
	}
	return KindUnknown
}

func classifyPg(code string) Kind {
	switch {
	case pgUnavailable[code], strings.HasPrefix(code, "08"):
		return KindUnavailable
	case pgTimeout[code]:
		return KindTimeout
	case strings.HasPrefix(code, "28"):
		return KindAuth
	case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "22"):
		return KindQuery
	}
	return KindUnknown
}

// IsTransient reports whether retrying err may succeed. Caller
// cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case KindUnavailable:
		return true
	case KindTimeout:
		return !errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

// UserMessage returns the message shown to API clients for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case KindNotFound:
		return "Not found."
	case KindUnavailable:
		return "Database temporarily unavailable. Please try again in a moment."
	case KindTimeout:
		return "Request timed out. Please try again."
	case KindAuth:
		return "Database authentication error. Please contact support."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// DefaultRetryConfig is sized for interactive reads.
func DefaultRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

// Retry runs fn through retry.Do, retrying only errors IsTransient accepts.
// The returned error still matches the original with errors.Is and errors.As.
func Retry[T any](ctx context.Context, cfg retry.Config, fn func() (T, error)) (T, error) {
	var v T
	err := retry.Do(ctx, cfg, func() error {
		var err error
		v, err = fn()
		switch {
		case err == nil:
			return nil
		case IsTransient(err):
			return &transientError{err: err}
		default:
			return retry.Permanent(err)
		}
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
