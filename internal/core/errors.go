package core

import (
	"errors"

	"github.com/JonMunkholm/dataimport/internal/schema"
)

var (
	// ErrUnknownEntityType is returned for entity types the registry does
	// not know.
	ErrUnknownEntityType = schema.ErrUnknownEntityType

	// ErrSessionNotFound is returned when an import session has expired or
	// never existed.
	ErrSessionNotFound = errors.New("import session not found")

	// ErrMappingBlocked is returned when rows are validated against a
	// mapping that still has blocking issues.
	ErrMappingBlocked = errors.New("mapping has blocking issues")

	// ErrTooManyRows is returned when a file has more data rows than the
	// configured maximum.
	ErrTooManyRows = errors.New("too many rows in file")

	// ErrRecordNotFound is returned by Tx.Update for a record that no
	// longer exists.
	ErrRecordNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned by Tx.Create when the natural key is
	// already taken.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrTxDone is returned by operations on a committed or rolled back
	// transaction.
	ErrTxDone = errors.New("transaction already committed or rolled back")
)
