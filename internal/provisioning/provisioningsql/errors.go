package provisioningsql

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

// handlePgError maps a unique violation, raised when two first claims race
// on the insert, to a conflict.
func handlePgError(err error) (error, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return serviceerr.ErrConflict, true
	}

	return err, false
}
