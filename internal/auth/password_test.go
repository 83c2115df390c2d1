package auth_test

import (
	"strings"
	"testing"

	"speakeasy-server/internal/auth"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := auth.HashPassword("NewPw_2024!")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("verifier must be argon2id PHC format, got %q", hash)
	}

	ok, err := auth.VerifyPassword("NewPw_2024!", hash)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("correct password must verify")
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	hash, err := auth.HashPassword("correct-Horse1")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := auth.VerifyPassword("wrong-Horse1", hash)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("wrong password must not verify")
	}
}

func TestSamePasswordDifferentHashes(t *testing.T) {
	first, err := auth.HashPassword("same-Password1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := auth.HashPassword("same-Password1")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("two hashes of the same password must differ (random salt)")
	}
}

func TestMalformedVerifierErrors(t *testing.T) {
	if _, err := auth.VerifyPassword("x", "not-a-verifier"); err == nil {
		t.Error("malformed verifier must error")
	}
	if _, err := auth.VerifyPassword("x", "$bcrypt$something$else$entirely$x"); err == nil {
		t.Error("non-argon2id verifier must error")
	}
}
