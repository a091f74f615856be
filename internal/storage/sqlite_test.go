package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpsertUserKeepsFirstJoinedAt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := st.UpsertUser(ctx, User{ID: 7, Username: "alice", JoinedAt: first}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := st.UpsertUser(ctx, User{ID: 7, Username: "alice2", JoinedAt: first.Add(24 * time.Hour)}); err != nil {
		t.Fatalf("UpsertUser (again): %v", err)
	}

	n, err := st.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 user, got %d", n)
	}
}

func TestUserCursorIteratesAll(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	want := []int64{10, 20, 30}
	for _, id := range want {
		if err := st.UpsertUser(ctx, User{ID: id, JoinedAt: time.Now()}); err != nil {
			t.Fatalf("UpsertUser(%d): %v", id, err)
		}
	}

	cur, err := st.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	defer cur.Close()

	seen := map[int64]bool{}
	for {
		id, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		seen[id] = true
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(seen))
	}
	for _, id := range want {
		if !seen[id] {
			t.Fatalf("cursor missed id %d", id)
		}
	}
}

func TestRequiredChannelsOrderedAndIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{-1003, -1001, -1002, -1001} {
		if err := st.AddRequiredChannel(ctx, id); err != nil {
			t.Fatalf("AddRequiredChannel(%d): %v", id, err)
		}
	}

	got, err := st.RequiredChannels(ctx)
	if err != nil {
		t.Fatalf("RequiredChannels: %v", err)
	}
	want := []int64{-1003, -1002, -1001}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if err := st.RemoveRequiredChannel(ctx, -1002); err != nil {
		t.Fatalf("RemoveRequiredChannel: %v", err)
	}
	// Removing an absent channel must not error.
	if err := st.RemoveRequiredChannel(ctx, -9999); err != nil {
		t.Fatalf("RemoveRequiredChannel (absent): %v", err)
	}

	got, err = st.RequiredChannels(ctx)
	if err != nil {
		t.Fatalf("RequiredChannels: %v", err)
	}
	if len(got) != 2 || got[0] != -1003 || got[1] != -1001 {
		t.Fatalf("expected [-1003 -1001], got %v", got)
	}
}

func TestJoinRequestsRecordAndPurge(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.RecordJoinRequests(ctx, 1, []int64{-100, -200}, now); err != nil {
		t.Fatalf("RecordJoinRequests: %v", err)
	}
	// Re-recording the same pairs only advances timestamps.
	if err := st.RecordJoinRequests(ctx, 1, []int64{-100, -200}, now.Add(time.Minute)); err != nil {
		t.Fatalf("RecordJoinRequests (again): %v", err)
	}
	if err := st.RecordJoinRequests(ctx, 2, []int64{-100}, now); err != nil {
		t.Fatalf("RecordJoinRequests (user 2): %v", err)
	}

	chans, err := st.RequestedChannels(ctx, 1)
	if err != nil {
		t.Fatalf("RequestedChannels: %v", err)
	}
	if len(chans) != 2 {
		t.Fatalf("expected 2 channels for user 1, got %v", chans)
	}

	total, err := st.CountJoinRequests(ctx)
	if err != nil {
		t.Fatalf("CountJoinRequests: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 requests, got %d", total)
	}

	n, err := st.DeleteJoinRequests(ctx, 1)
	if err != nil {
		t.Fatalf("DeleteJoinRequests: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}

	n, err = st.DeleteAllJoinRequests(ctx)
	if err != nil {
		t.Fatalf("DeleteAllJoinRequests: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
}

func TestFileInsertResolveAndCounter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := FileRecord{
		Token: "AAAAAAAAAAAAAAAA",
		Ref: transport.ContentRef{
			Kind:     transport.ContentDocument,
			FileID:   "BQAC-file",
			UniqueID: "uniq-1",
			FileName: "notes.pdf",
			MIMEType: "application/pdf",
			FileSize: 1024,
		},
		Caption:    "release notes",
		UploaderID: 42,
		CreatedAt:  time.Now(),
	}
	if err := st.InsertFile(ctx, rec); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	if err := st.InsertFile(ctx, rec); !errors.Is(err, ErrTokenExists) {
		t.Fatalf("expected ErrTokenExists, got %v", err)
	}

	for i := 1; i <= 3; i++ {
		got, err := st.ResolveFile(ctx, rec.Token)
		if err != nil {
			t.Fatalf("ResolveFile: %v", err)
		}
		if got.AccessCount != int64(i) {
			t.Fatalf("expected access count %d, got %d", i, got.AccessCount)
		}
		if got.Ref != rec.Ref {
			t.Fatalf("content ref mismatch: %+v != %+v", got.Ref, rec.Ref)
		}
		if got.Caption != rec.Caption || got.UploaderID != rec.UploaderID {
			t.Fatalf("metadata mismatch: %+v", got)
		}
	}

	if _, err := st.ResolveFile(ctx, "BBBBBBBBBBBBBBBB"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := st.CountFiles(ctx)
	if err != nil {
		t.Fatalf("CountFiles: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 file, got %d", n)
	}
}
