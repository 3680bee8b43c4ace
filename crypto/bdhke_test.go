package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{
			message:  "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725",
		},
		{
			message:  "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf",
		},
		{
			message:  "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f",
		},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Fatalf("error decoding msg: %v", err)
		}

		point, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		hexStr := hex.EncodeToString(point.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, hexStr)
		}
	}
}

func TestBlindSignUnblind(t *testing.T) {
	secret := "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e"

	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	B_, r, err := BlindMessage(secret, r)
	if err != nil {
		t.Fatalf("unexpected error blinding message: %v", err)
	}

	C_ := SignBlindedMessage(B_, k)
	C := UnblindSignature(C_, r, k.PubKey())

	if !Verify(secret, k, C) {
		t.Error("unblinded signature failed verification")
	}

	otherKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	if Verify(secret, otherKey, C) {
		t.Error("signature verified against wrong key")
	}
}

func TestGenerateVerifyDLEQ(t *testing.T) {
	secret := "test_secret_for_dleq"

	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	B_, r, err := BlindMessage(secret, r)
	if err != nil {
		t.Fatalf("unexpected error blinding message: %v", err)
	}
	C_ := SignBlindedMessage(B_, k)

	e, s, err := GenerateDLEQ(k, B_, C_)
	if err != nil {
		t.Fatalf("unexpected error generating DLEQ: %v", err)
	}

	if !VerifyDLEQ(e, s, k.PubKey(), B_, C_) {
		t.Error("valid DLEQ proof failed verification")
	}

	otherKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	if VerifyDLEQ(e, s, otherKey.PubKey(), B_, C_) {
		t.Error("DLEQ proof verified against wrong mint key")
	}
}

func TestDeriveKeysetId(t *testing.T) {
	keyset := GenerateKeyset("mytestseed", "0/0/0", 0)

	if len(keyset.Id) != 16 {
		t.Errorf("expected keyset id of length 16 but got '%v'", keyset.Id)
	}
	if keyset.Id[:2] != "00" {
		t.Errorf("expected '00' version prefix but got '%v'", keyset.Id[:2])
	}

	// id derivation only depends on the public keys
	again := GenerateKeyset("mytestseed", "0/0/0", 100)
	if keyset.Id != again.Id {
		t.Errorf("expected deterministic keyset id, got '%v' and '%v'", keyset.Id, again.Id)
	}

	other := GenerateKeyset("otherseed", "0/0/0", 0)
	if keyset.Id == other.Id {
		t.Error("different keys produced the same keyset id")
	}
}
