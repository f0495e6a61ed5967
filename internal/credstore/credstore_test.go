package credstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "creds.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCreds(email string) *Credentials {
	return &Credentials{
		AccessToken:  "at-" + email,
		RefreshToken: "rt-" + email,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Email:        email,
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := testCreds("a@example.com")
	if err := s.Save(ctx, "anthropic", want, 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, "anthropic", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Email != "a@example.com" {
		t.Fatalf("email mismatch: %q", got.Email)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get(context.Background(), "anthropic", 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing slot, got %+v", got)
	}
}

func TestGetAllOrderedByAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, account := range []int{2, 0, 1} {
		if err := s.Save(ctx, "google", testCreds("g@example.com"), account); err != nil {
			t.Fatalf("save %d: %v", account, err)
		}
	}

	slots, err := s.GetAll(ctx, "google")
	if err != nil {
		t.Fatalf("getAll: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}
	for i, slot := range slots {
		if slot.Account != i {
			t.Fatalf("slot %d has account %d, want ascending order", i, slot.Account)
		}
	}
}

func TestNextAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next, err := s.NextAccount(ctx, "codex")
	if err != nil {
		t.Fatalf("nextAccount: %v", err)
	}
	if next != 0 {
		t.Fatalf("empty provider should start at 0, got %d", next)
	}

	if err := s.Save(ctx, "codex", testCreds("c@example.com"), 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "codex", testCreds("d@example.com"), 4); err != nil {
		t.Fatalf("save: %v", err)
	}

	next, err = s.NextAccount(ctx, "codex")
	if err != nil {
		t.Fatalf("nextAccount: %v", err)
	}
	if next != 5 {
		t.Fatalf("nextAccount should be max+1=5, got %d", next)
	}
}

func TestFindByIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored := testCreds("match@example.com")
	stored.AccountID = "acct-uuid-1"
	if err := s.Save(ctx, "anthropic", stored, 2); err != nil {
		t.Fatalf("save: %v", err)
	}

	account, ok, err := s.FindByIdentity(ctx, "anthropic", &Credentials{Email: "match@example.com"})
	if err != nil {
		t.Fatalf("findByIdentity: %v", err)
	}
	if !ok || account != 2 {
		t.Fatalf("email match should find slot 2, got %d %v", account, ok)
	}

	account, ok, err = s.FindByIdentity(ctx, "anthropic", &Credentials{AccountID: "acct-uuid-1"})
	if err != nil {
		t.Fatalf("findByIdentity: %v", err)
	}
	if !ok || account != 2 {
		t.Fatalf("accountId match should find slot 2, got %d %v", account, ok)
	}

	_, ok, err = s.FindByIdentity(ctx, "anthropic", &Credentials{})
	if err != nil {
		t.Fatalf("findByIdentity: %v", err)
	}
	if ok {
		t.Fatal("empty identity should not match")
	}
}

func TestExistsRequiresRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "anthropic")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatal("empty provider should not exist")
	}

	noRefresh := testCreds("x@example.com")
	noRefresh.RefreshToken = ""
	if err := s.Save(ctx, "anthropic", noRefresh, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err = s.Exists(ctx, "anthropic")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatal("record without refresh token should not count")
	}

	if err := s.Save(ctx, "anthropic", testCreds("y@example.com"), 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err = s.Exists(ctx, "anthropic")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatal("record with refresh token should count")
	}
}

func TestCorruptRowDeletedOnRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO credentials (provider, account, data) VALUES (?, ?, ?)",
		"anthropic", 0, "{not json"); err != nil {
		t.Fatalf("insert garbage: %v", err)
	}

	got, err := s.Get(ctx, "anthropic", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("corrupt row should read as absent, got %+v", got)
	}

	n, err := s.Count(ctx, "anthropic")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("corrupt row should be deleted, count=%d", n)
	}
}

func TestRemoveAndRemoveAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for account := range 3 {
		if err := s.Save(ctx, "google", testCreds("g@example.com"), account); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	if err := s.Remove(ctx, "google", 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	n, _ := s.Count(ctx, "google")
	if n != 2 {
		t.Fatalf("expected 2 after remove, got %d", n)
	}

	if err := s.RemoveAll(ctx, "google"); err != nil {
		t.Fatalf("removeAll: %v", err)
	}
	n, _ = s.Count(ctx, "google")
	if n != 0 {
		t.Fatalf("expected 0 after removeAll, got %d", n)
	}
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "creds.db"), NewCrypto("test-key"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	want := testCreds("enc@example.com")
	if err := s.Save(ctx, "anthropic", want, 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Raw row must not contain the plaintext token.
	var raw string
	if err := s.db.QueryRowContext(ctx,
		"SELECT data FROM credentials WHERE provider = 'anthropic' AND account = 0").Scan(&raw); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if strings.Contains(raw, want.RefreshToken) {
		t.Fatal("refresh token stored in the clear despite encryption key")
	}

	got, err := s.Get(ctx, "anthropic", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.RefreshToken != want.RefreshToken {
		t.Fatalf("encrypted roundtrip mismatch: %+v", got)
	}
}

func TestWrongKeyTreatedAsCorruption(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "creds.db")

	s1, err := Open(dbPath, NewCrypto("key-one"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s1.Save(context.Background(), "codex", testCreds("k@example.com"), 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(dbPath, NewCrypto("key-two"))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	got, err := s2.Get(context.Background(), "codex", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("undecryptable row should read as absent, got %+v", got)
	}
}
