package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrReplyLimit     = errors.New("reply limit reached")
	ErrUnknownGrantee = errors.New("grant references an unknown user")
	ErrEmailTaken     = errors.New("email already registered")
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

func hasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == code
}
