package store

import (
	"context"
	"errors"
)

// ErrPermanent marks a write the store will never accept, whatever the
// number of retries: malformed payloads, constraint violations.
var ErrPermanent = errors.New("permanent store failure")

// Writer persists one logical record. Writes are upserts keyed by
// (kind, idempotencyKey): repeating a write converges to a single record and
// returns the same id.
type Writer interface {
	Write(ctx context.Context, kind, idempotencyKey string, payload any) (string, error)
}

type Store interface {
	Writer
	Ping(ctx context.Context) error
	Close() error
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
