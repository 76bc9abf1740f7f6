package identity

import (
	"errors"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	alice, err := New("alice")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bob, err := New("bob")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	claim := alice.Sign("ROOM42", 1700000000000)
	if err := bob.Verify(claim); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !bob.Trusted(alice.Self().ID) {
		t.Error("alice not trusted after verified claim")
	}
}

func TestVerifyRejectsTamperedClaim(t *testing.T) {
	alice, _ := New("alice")
	bob, _ := New("bob")

	claim := alice.Sign("ROOM42", 1700000000000)
	claim.Claim.Alias = "mallory"
	if err := bob.Verify(claim); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify err = %v, want ErrBadSignature", err)
	}
	if bob.Trusted(alice.Self().ID) {
		t.Error("tampered claim granted trust")
	}
}

func TestVerifyPinsFirstKey(t *testing.T) {
	alice, _ := New("alice")
	bob, _ := New("bob")

	if err := bob.Verify(alice.Sign("ROOM42", 1)); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// An impostor with a different key claiming alice's device id.
	impostor, _ := New("alice")
	forged := impostor.Sign("ROOM42", 2)
	forged.Claim.DeviceID = alice.Self().ID
	forged.Signature = impostor.Sign("ROOM42", 2).Signature

	if err := bob.Verify(forged); err == nil {
		t.Error("forged claim with new key accepted")
	}
}

func TestVerifyRejectsIncompleteClaim(t *testing.T) {
	bob, _ := New("bob")
	if err := bob.Verify(SignedClaim{}); !errors.Is(err, ErrBadClaim) {
		t.Errorf("Verify err = %v, want ErrBadClaim", err)
	}
}

func TestForgetKeepsPin(t *testing.T) {
	alice, _ := New("alice")
	bob, _ := New("bob")

	if err := bob.Verify(alice.Sign("R", 1)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	bob.Forget(alice.Self().ID)
	if bob.Trusted(alice.Self().ID) {
		t.Error("still trusted after Forget")
	}
	// Same key verifies again, a new key would not.
	if err := bob.Verify(alice.Sign("R", 2)); err != nil {
		t.Errorf("re-verify with pinned key: %v", err)
	}
}
