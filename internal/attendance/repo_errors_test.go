package attendance

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func activeConflict() error {
	return &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: activeSessionIndex}
}

func TestCreateOnceResolvesConflicts(t *testing.T) {
	t.Run("conflict reports existing session", func(t *testing.T) {
		err := createOnce("c1",
			func() error { return activeConflict() },
			func() (*Session, error) { return &Session{ID: "s-old"}, nil },
		)
		var conflict *ActiveSessionExistsError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, "s-old", conflict.SessionID)
	})

	t.Run("conflicting session ended before lookup", func(t *testing.T) {
		inserts := 0
		err := createOnce("c1",
			func() error {
				inserts++
				if inserts == 1 {
					return activeConflict()
				}
				return nil
			},
			func() (*Session, error) { return nil, ErrSessionNotFound },
		)
		require.NoError(t, err)
		require.Equal(t, 2, inserts)
	})

	t.Run("retries only once", func(t *testing.T) {
		inserts := 0
		err := createOnce("c1",
			func() error {
				inserts++
				return activeConflict()
			},
			func() (*Session, error) { return nil, ErrSessionNotFound },
		)
		require.ErrorIs(t, err, ErrSessionNotFound)
		require.Equal(t, 2, inserts)
	})

	t.Run("other errors are mapped", func(t *testing.T) {
		err := createOnce("c1",
			func() error { return &pgconn.PgError{Code: pgerrcode.QueryCanceled} },
			func() (*Session, error) {
				t.Fatal("lookup must not run")
				return nil, nil
			},
		)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		plain := errors.New("boom")
		require.Equal(t, plain, createOnce("c1", func() error { return plain }, nil))
	})
}
