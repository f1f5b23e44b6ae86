package etl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, Fatal},
		{"deadline", context.DeadlineExceeded, Transient},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), Transient},
		{"os deadline", os.ErrDeadlineExceeded, Transient},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), Transient},
		{"conn reset", syscall.ECONNRESET, Transient},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, Transient},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, Transient},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, Transient},
		{"connection failure", &pgconn.PgError{Code: "08006"}, Transient},
		{"unique violation", &pgconn.PgError{Code: "23505"}, Validation},
		{"bad datetime", &pgconn.PgError{Code: "22007"}, Validation},
		{"disk full", &pgconn.PgError{Code: "53100"}, Fatal},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, Fatal},
		{"typed", NewError(Validation, "bad"), Validation},
		{"wrapped typed", fmt.Errorf("x: %w", NewError(Transient, "t")), Transient},
		{"plain", errors.New("something odd"), Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestError_ChainAndUnwrap(t *testing.T) {
	root := errors.New("connection reset by peer")
	e := Wrap(Transient, fmt.Errorf("query orders: %w", root), "extract orders")

	assert.Equal(t, Transient, e.Kind)
	require.NotNil(t, e.Cause)
	assert.Equal(t, "extract orders: query orders: connection reset by peer", e.Error())
	assert.True(t, errors.Is(e, root))
	assert.Same(t, e.Cause, e.Root())
	assert.False(t, e.Cause.At.After(e.At))
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	typed := NewError(Validation, "missing column")
	assert.Same(t, typed, FromError(fmt.Errorf("wrap: %w", typed)))

	plain := FromError(context.DeadlineExceeded)
	assert.Equal(t, Transient, plain.Kind)
	assert.ErrorIs(t, plain, context.DeadlineExceeded)
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "validation", Validation.String())
}
