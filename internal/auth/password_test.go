package auth

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasher_HashAndVerify(t *testing.T) {
	ctx := context.Background()
	hasher := NewPasswordHasher(bcrypt.MinCost, 2)

	hash, err := hasher.Hash(ctx, "Str0ng!Pass")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if strings.Contains(hash, "Str0ng!Pass") {
		t.Fatal("hash must not contain the plaintext")
	}

	ok, err := hasher.Verify(ctx, "Str0ng!Pass", hash)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}

	ok, err = hasher.Verify(ctx, "wrong", hash)
	if err != nil || ok {
		t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
	}

	ok, err = hasher.Verify(ctx, "Str0ng!Pass", "not-a-bcrypt-hash")
	if err != nil || ok {
		t.Fatalf("malformed hash should be a mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestPasswordHasher_DefaultCost(t *testing.T) {
	hasher := NewPasswordHasher(0, 0)
	if hasher.Cost() != DefaultBcryptCost {
		t.Errorf("expected default cost %d, got %d", DefaultBcryptCost, hasher.Cost())
	}
}

func TestPasswordHasher_NeedsRehash(t *testing.T) {
	ctx := context.Background()
	low := NewPasswordHasher(bcrypt.MinCost, 1)
	hash, err := low.Hash(ctx, "Str0ng!Pass")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if low.NeedsRehash(hash) {
		t.Error("hash at current cost should not need rehash")
	}
	if !NewPasswordHasher(bcrypt.MinCost+1, 1).NeedsRehash(hash) {
		t.Error("hash at lower cost should need rehash")
	}
}

func TestPasswordHasher_CancelledContext(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost, 1)
	ctx, cancel := context.WithCancel(context.Background())

	// Hold the only slot so the next call has to wait on ctx.
	if err := hasher.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer hasher.sem.Release(1)
	cancel()

	if _, err := hasher.Hash(ctx, "x"); err == nil {
		t.Error("expected error from cancelled context")
	}
}
