package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Ank61/leadengine/internal/scrape"
)

// mapError classifies a driver error into the scrape error taxonomy.
func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			if pgErr.ConstraintName == "raw_leads_data_hash_key" || pgErr.TableName == "raw_leads" {
				return fmt.Errorf("%s: %w: %s", op, scrape.ErrDuplicateContent, pgErr.Detail)
			}
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s: referenced job missing: %w", scrape.ErrPersistence, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", scrape.ErrPersistence, op, err)
}
