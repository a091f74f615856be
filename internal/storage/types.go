package storage

import (
	"errors"
	"time"

	"gatebot/internal/transport"
)

// ErrNotFound is returned by lookups when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// ErrTokenExists is returned by InsertFile when the token collides with an
// existing record. Callers are expected to regenerate and retry.
var ErrTokenExists = errors.New("token already exists")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default when empty): SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User mirrors the users collection. Upserted on every inbound event;
// metadata is last-write-wins, JoinedAt is kept from the first insert.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
	JoinedAt  time.Time
}

// FileRecord is the persisted association between a capability token and
// transport-side content. Reference fields are write-once; only
// AccessCount changes after creation.
type FileRecord struct {
	Token       string
	Ref         transport.ContentRef
	Caption     string
	UploaderID  int64
	CreatedAt   time.Time
	AccessCount int64
}
