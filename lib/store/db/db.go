// Package db implements the opening and graceful closing of database connections.
package db

import (
	"errors"
	"fmt"

	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/store/memory"
	"github.com/tarancss/custody/lib/store/mongo"
	"github.com/tarancss/custody/lib/store/postgres"
)

// Supported database types.
const (
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
	MEMORY   string = "memory"
)

// ErrUnknownType is returned for database types without an implementation.
var ErrUnknownType = errors.New("unknown database type")

// New returns a new database connection according to the options (database type).
func New(options, connection string) (store.DB, error) {
	switch options {
	case MONGODB:
		return mongo.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	case MEMORY:
		return memory.New(), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownType, options)
}

// Close gracefully closes the database connection.
func Close(dh store.DB) error {
	if dh == nil {
		return nil
	}

	return dh.Close()
}
