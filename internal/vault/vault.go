// Package vault maps opaque capability tokens to stored content
// references. Tokens are random rather than derived from content ids, so
// they leak nothing and can be revoked independently by deleting the
// record.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatebot/internal/storage"
	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// ErrNotFound is returned by Resolve for tokens that were never issued or
// whose record has been deleted.
var ErrNotFound = errors.New("content not found")

// storeAttempts bounds the regenerate-and-retry loop on token collision.
// With ~95 bits per token a second collision in a row is effectively
// impossible; the bound exists to turn a broken store into an error
// instead of a spin.
const storeAttempts = 5

type Vault struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Vault {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Vault{store: store, log: log}
}

// Store persists a content reference under a fresh token and returns the
// token. Collisions with existing tokens are retried transparently.
func (v *Vault) Store(ctx context.Context, ref transport.ContentRef, uploaderID int64, caption string) (string, error) {
	if !ref.Kind.Valid() {
		return "", fmt.Errorf("unsupported content kind %q", ref.Kind)
	}
	if ref.FileID == "" {
		return "", errors.New("content reference has no file id")
	}

	var lastErr error
	for i := 0; i < storeAttempts; i++ {
		token, err := newToken()
		if err != nil {
			return "", err
		}
		err = v.store.InsertFile(ctx, storage.FileRecord{
			Token:      token,
			Ref:        ref,
			Caption:    caption,
			UploaderID: uploaderID,
			CreatedAt:  time.Now(),
		})
		if err == nil {
			v.log.Info("content stored",
				logx.String("token", token),
				logx.String("kind", string(ref.Kind)),
				logx.Int64("uploader_id", uploaderID))
			return token, nil
		}
		if !errors.Is(err, storage.ErrTokenExists) {
			return "", err
		}
		// Vanishingly rare; worth a log line when it happens.
		v.log.Warn("token collision, regenerating", logx.Int("attempt", i+1))
		lastErr = err
	}
	return "", fmt.Errorf("token generation exhausted retries: %w", lastErr)
}

// Resolve looks up a token and, on success, counts the access as part of
// the same store operation. Malformed tokens resolve to ErrNotFound
// without touching the store.
func (v *Vault) Resolve(ctx context.Context, token string) (*storage.FileRecord, error) {
	if !validToken(token) {
		return nil, ErrNotFound
	}
	rec, err := v.store.ResolveFile(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FileCount reports the number of stored content records.
func (v *Vault) FileCount(ctx context.Context) (int64, error) {
	return v.store.CountFiles(ctx)
}
