package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/matheus3301/simplechat/internal/backend"
)

// mapErr classifies driver errors into backend error kinds.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %w", backend.ErrConflict, err)
		case sqlite3.ErrConstraintForeignKey, sqlite3.ErrConstraintNotNull, sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%w: %w", backend.ErrInvalid, err)
		}
		if se.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %w", backend.ErrConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", backend.ErrUnavailable, err)
}
