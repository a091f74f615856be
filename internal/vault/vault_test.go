package vault

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"gatebot/internal/storage"
	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "vault.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop())
}

func testRef() transport.ContentRef {
	return transport.ContentRef{
		Kind:     transport.ContentVideo,
		FileID:   "BAAC-video",
		UniqueID: "uniq-v",
		FileName: "clip.mp4",
		MIMEType: "video/mp4",
		FileSize: 2048,
	}
}

func TestStoreResolveRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	token, err := v.Store(ctx, testRef(), 42, "first clip")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !validToken(token) {
		t.Fatalf("issued token %q is malformed", token)
	}

	rec, err := v.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Ref != testRef() {
		t.Fatalf("content ref mismatch: %+v", rec.Ref)
	}
	if rec.Caption != "first clip" || rec.UploaderID != 42 {
		t.Fatalf("metadata mismatch: %+v", rec)
	}
	if rec.AccessCount != 1 {
		t.Fatalf("expected first resolve to report count 1, got %d", rec.AccessCount)
	}

	rec, err = v.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve (again): %v", err)
	}
	if rec.AccessCount != 2 {
		t.Fatalf("expected count 2, got %d", rec.AccessCount)
	}
}

func TestStoreRejectsIncompleteRef(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	ref := testRef()
	ref.FileID = ""
	if _, err := v.Store(ctx, ref, 1, ""); err == nil {
		t.Fatalf("expected error for empty file id")
	}

	ref = testRef()
	ref.Kind = "sticker"
	if _, err := v.Store(ctx, ref, 1, ""); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestResolveUnknownToken(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	// Well-formed but never issued.
	if _, err := v.Resolve(ctx, "Az09Az09Az09Az09"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Malformed: must short-circuit to the same error.
	if _, err := v.Resolve(ctx, "not-a-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed token, got %v", err)
	}
}

func TestConcurrentResolvesCountExactly(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	token, err := v.Store(ctx, testRef(), 1, "")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	const n = 10
	counts := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := v.Resolve(ctx, token)
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			counts <- rec.AccessCount
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[int64]bool, n)
	for c := range counts {
		if seen[c] {
			t.Fatalf("duplicate access count %d; increment is not atomic", c)
		}
		seen[c] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct counts, got %d", n, len(seen))
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing access count %d", i)
		}
	}
}

func TestFileCount(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := v.Store(ctx, testRef(), 1, ""); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	n, err := v.FileCount(ctx)
	if err != nil {
		t.Fatalf("FileCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 files, got %d", n)
	}
}
