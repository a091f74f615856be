package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "gatebot/pkg/logx"
)

// Store is the persistence API used by the gate, the vault and the
// dispatcher. Four independent keyed collections: users, join requests,
// required channels, files. No cross-collection constraints.
type Store interface {
	// users
	UpsertUser(ctx context.Context, u User) error
	CountUsers(ctx context.Context) (int64, error)
	// Users returns a forward-only cursor over all user ids.
	Users(ctx context.Context) (*UserCursor, error)

	// required channels
	RequiredChannels(ctx context.Context) ([]int64, error)
	AddRequiredChannel(ctx context.Context, channelID int64) error
	RemoveRequiredChannel(ctx context.Context, channelID int64) error

	// join requests (key: user id + channel id; presence == recorded)
	RequestedChannels(ctx context.Context, userID int64) ([]int64, error)
	RecordJoinRequests(ctx context.Context, userID int64, channelIDs []int64, at time.Time) error
	DeleteJoinRequests(ctx context.Context, userID int64) (int64, error)
	DeleteAllJoinRequests(ctx context.Context) (int64, error)
	CountJoinRequests(ctx context.Context) (int64, error)

	// files (key: token, unique by construction and by constraint)
	InsertFile(ctx context.Context, f FileRecord) error
	// ResolveFile atomically increments the access counter and returns the
	// updated record, or ErrNotFound.
	ResolveFile(ctx context.Context, token string) (*FileRecord, error)
	CountFiles(ctx context.Context) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
