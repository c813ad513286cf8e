package identity

import (
	"context"
	"errors"
	"testing"

	"chatservice/internal/usertoken"
	"chatservice/pkg/auth"
	"chatservice/pkg/table"
)

func newTestDirectory(t *testing.T) (*Directory, auth.PasswordHasher) {
	t.Helper()
	tokens, err := usertoken.NewManager("test-secret", 0)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	hasher := auth.NewBcryptHasher(4)
	return NewDirectory(table.NewMemory(), hasher, tokens), hasher
}

func mustCreate(t *testing.T, d *Directory, hasher auth.PasswordHasher, email, name, password string) *User {
	t.Helper()
	hash, err := hasher.Hash(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user, err := d.Create(context.Background(), email, name, hash, "")
	if err != nil {
		t.Fatalf("create %s: %v", email, err)
	}
	return user
}

func TestCreateAndGetByID(t *testing.T) {
	d, hasher := newTestDirectory(t)
	created := mustCreate(t, d, hasher, "Alice@Example.com", "Alice", "pw1")

	got, err := d.GetByID(context.Background(), created.UserID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got == nil {
		t.Fatal("expected user")
	}
	if got.Email != "alice@example.com" {
		t.Fatalf("email not lowercased: %q", got.Email)
	}
	if got.Status != "active" {
		t.Fatalf("status = %q, want active", got.Status)
	}
}

func TestCreateRejectsDuplicateEmailCaseInsensitive(t *testing.T) {
	d, hasher := newTestDirectory(t)
	mustCreate(t, d, hasher, "alice@example.com", "Alice", "pw1")

	hash, _ := hasher.Hash("pw2")
	_, err := d.Create(context.Background(), "ALICE@example.com", "Other", hash, "")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestFindByEmail(t *testing.T) {
	d, hasher := newTestDirectory(t)
	created := mustCreate(t, d, hasher, "bob@example.com", "Bob", "pw")

	got, err := d.FindByEmail(context.Background(), "BOB@EXAMPLE.COM")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.UserID != created.UserID {
		t.Fatalf("unexpected result: %+v", got)
	}

	missing, err := d.FindByEmail(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("find missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown email, got %+v", missing)
	}
}

func TestSearchByNamePrefix(t *testing.T) {
	d, hasher := newTestDirectory(t)
	mustCreate(t, d, hasher, "al@example.com", "Alice", "pw")
	mustCreate(t, d, hasher, "alb@example.com", "Albert", "pw")
	mustCreate(t, d, hasher, "bob@example.com", "Bob", "pw")

	users, err := d.SearchByNamePrefix(context.Background(), "Al")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(users))
	}
	for _, u := range users {
		if u.Name != "Alice" && u.Name != "Albert" {
			t.Fatalf("unexpected match %q", u.Name)
		}
	}
}

func TestBatchGetDedupsAndStripsPasswordHash(t *testing.T) {
	d, hasher := newTestDirectory(t)
	a := mustCreate(t, d, hasher, "a@example.com", "A", "pw")
	b := mustCreate(t, d, hasher, "b@example.com", "B", "pw")

	users, err := d.BatchGet(context.Background(), []string{a.UserID, b.UserID, a.UserID, "missing", ""})
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[a.UserID].PasswordHash != "" {
		t.Fatal("batch get must not return password hashes")
	}
}

func TestUpdateProfileAllowListAndSearchReindex(t *testing.T) {
	d, hasher := newTestDirectory(t)
	u := mustCreate(t, d, hasher, "carol@example.com", "Carol", "pw")

	name := "Caroline"
	status := "away"
	updated, err := d.UpdateProfile(context.Background(), u.UserID, ProfilePatch{Name: &name, Status: &status})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Name != "Caroline" || updated.Status != "away" {
		t.Fatalf("unexpected updated user: %+v", updated)
	}

	// Search index must follow the rename in the same operation.
	found, err := d.SearchByNamePrefix(context.Background(), "Caroline")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected renamed user in search, got %d matches", len(found))
	}

	if _, err := d.UpdateProfile(context.Background(), u.UserID, ProfilePatch{}); !errors.Is(err, ErrEmptyPatch) {
		t.Fatalf("expected ErrEmptyPatch, got %v", err)
	}
}

func TestVerifyCredentials(t *testing.T) {
	d, hasher := newTestDirectory(t)
	u := mustCreate(t, d, hasher, "dave@example.com", "Dave", "correct-horse")

	user, token, err := d.VerifyCredentials(context.Background(), "dave@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if user.UserID != u.UserID || token == "" {
		t.Fatalf("unexpected verify result: user=%+v token=%q", user, token)
	}
	if user.LastSeen == "" {
		t.Fatal("expected lastSeen refresh")
	}

	if _, _, err := d.VerifyCredentials(context.Background(), "dave@example.com", "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	if _, _, err := d.VerifyCredentials(context.Background(), "nobody@example.com", "x"); !errors.Is(err, ErrUnknownEmail) {
		t.Fatalf("expected ErrUnknownEmail, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	d, hasher := newTestDirectory(t)
	u := mustCreate(t, d, hasher, "erin@example.com", "Erin", "old-pass")

	if err := d.ChangePassword(context.Background(), u.UserID, "new-pass"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, _, err := d.VerifyCredentials(context.Background(), "erin@example.com", "old-pass"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("old password should no longer verify, got %v", err)
	}
	if _, _, err := d.VerifyCredentials(context.Background(), "erin@example.com", "new-pass"); err != nil {
		t.Fatalf("new password should verify: %v", err)
	}
}
