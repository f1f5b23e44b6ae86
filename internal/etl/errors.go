package etl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrorKind classifies a stage failure and decides whether it may be retried.
type ErrorKind int

const (
	// Fatal is an unrecoverable failure (disk full, broken invariant, unknown fault).
	Fatal ErrorKind = iota
	// Transient is retryable: network blips, lock timeouts, deadlines.
	Transient
	// Validation is missing or malformed input; retrying cannot help.
	Validation
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	default:
		return "fatal"
	}
}

// Error is the failure detail carried by a failed StageResult. Causes form a
// chain; every cause is created before the error that wraps it.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   *Error
	At      time.Time

	// source is the foreign error this node was built from, if any.
	source error
}

// NewError returns a leaf error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), At: time.Now()}
}

// Wrap builds an error of the given kind whose cause chain is derived from err.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	cause := FromError(err)
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause, At: time.Now()}
}

// FromError converts any error into an *Error. An *Error found in the chain is
// returned as is; anything else is classified with Classify.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Classify(err), Message: err.Error(), At: time.Now(), source: err}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.source
}

// Root returns the innermost error of the chain.
func (e *Error) Root() *Error {
	cur := e
	for cur.Cause != nil {
		cur = cur.Cause
	}
	return cur
}

// Classify maps a foreign error to an ErrorKind at the stage boundary.
func Classify(err error) ErrorKind {
	if err == nil {
		return Fatal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Transient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return Transient
	}

	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Transient
	}
	return Fatal
}

func classifySQLState(code string) ErrorKind {
	switch {
	case code == "53100": // disk_full
		return Fatal
	case len(code) >= 2 && code[:2] == "08": // connection exception
		return Transient
	case code == "40001", code == "40P01", code == "55P03", code == "57P01", code == "57014":
		return Transient
	case len(code) >= 2 && (code[:2] == "22" || code[:2] == "23"):
		return Validation
	default:
		return Fatal
	}
}
