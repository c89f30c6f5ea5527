package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned by every single-row lookup that matches nothing.
var ErrNotFound = errors.New("not found")

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
