package store

import (
	"database/sql"
	"errors"

	"chatcore/internal/model"
)

// wrap turns a low-level sql error into the closed model.StoreError sum.
func wrap(kind model.StoreErrKind, entity string, err error) error {
	if err == nil {
		return nil
	}
	return &model.StoreError{Kind: kind, Entity: entity, Cause: err}
}

// notFoundOr maps sql.ErrNoRows to StoreNotFound, anything else to
// StoreInternal.
func notFoundOr(entity string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return wrap(model.StoreNotFound, entity, err)
	}
	return wrap(model.StoreInternal, entity, err)
}
