package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/herald-mq/herald/internal/auth"
)

func TestCreateUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, auth.User{
		Email:        "Admin@Example.COM",
		PasswordHash: "$2a$12$fakehash",
		Role:         auth.RoleAdmin,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == "" {
		t.Error("no id assigned")
	}
	if u.Email != "admin@example.com" {
		t.Errorf("email = %q, want lower-cased", u.Email)
	}

	// Lookup is case-insensitive via normalization.
	got, err := s.UserByEmail(ctx, "ADMIN@example.com")
	if err != nil {
		t.Fatalf("UserByEmail: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("got id %q, want %q", got.ID, u.ID)
	}

	// Duplicate email conflicts regardless of case.
	_, err = s.CreateUser(ctx, auth.User{Email: "admin@EXAMPLE.com", PasswordHash: "x", Role: auth.RoleUser, Active: true})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate email: err = %v, want ErrConflict", err)
	}
}

func TestUserUpdates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, auth.User{Email: "ops@example.com", PasswordHash: "h1", Role: auth.RoleUser, Active: true})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateUserStatus(ctx, u.ID, false); err != nil {
		t.Fatalf("UpdateUserStatus: %v", err)
	}
	got, _ := s.UserByID(ctx, u.ID)
	if got.Active {
		t.Error("user still active")
	}

	if err := s.UpdateUserPassword(ctx, u.ID, "h2"); err != nil {
		t.Fatalf("UpdateUserPassword: %v", err)
	}
	got, _ = s.UserByID(ctx, u.ID)
	if got.PasswordHash != "h2" {
		t.Errorf("hash = %q, want h2", got.PasswordHash)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := s.SetLastLogin(ctx, u.ID, at); err != nil {
		t.Fatalf("SetLastLogin: %v", err)
	}
	got, _ = s.UserByID(ctx, u.ID)
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(at) {
		t.Errorf("last_login_at = %v, want %v", got.LastLoginAt, at)
	}

	if err := s.UpdateUserStatus(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown user: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, auth.User{Email: "gone@example.com", PasswordHash: "h", Role: auth.RoleUser, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateResetToken(ctx, "tokenhash", u.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := s.UserByID(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("user survived delete: %v", err)
	}

	// Cascade removed the reset token.
	if _, err := s.ConsumeResetToken(ctx, "tokenhash"); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphaned reset token: %v", err)
	}

	if err := s.DeleteUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: err = %v, want ErrNotFound", err)
	}
}

func TestListUsers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "b@example.com"} {
		if _, err := s.CreateUser(ctx, auth.User{Email: email, PasswordHash: "h", Role: auth.RoleUser, Active: true}); err != nil {
			t.Fatal(err)
		}
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("got %d users, want 2", len(users))
	}
}

func TestResetTokenSingleUse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, auth.User{Email: "reset@example.com", PasswordHash: "h", Role: auth.RoleUser, Active: true})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CreateResetToken(ctx, "hash-1", u.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreateResetToken: %v", err)
	}

	userID, err := s.ConsumeResetToken(ctx, "hash-1")
	if err != nil {
		t.Fatalf("ConsumeResetToken: %v", err)
	}
	if userID != u.ID {
		t.Errorf("userID = %q, want %q", userID, u.ID)
	}

	// Second consume fails: single use.
	if _, err := s.ConsumeResetToken(ctx, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("reused token: err = %v, want ErrNotFound", err)
	}

	// Expired token fails.
	if err := s.CreateResetToken(ctx, "hash-2", u.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConsumeResetToken(ctx, "hash-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired token: err = %v, want ErrNotFound", err)
	}

	// Purge clears used and expired rows.
	n, err := s.PurgeResetTokens(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("PurgeResetTokens: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d tokens, want 2", n)
	}
}
