package settlement

import (
	"errors"
	"testing"

	"github.com/cashtill/cashtill/cashu"
)

func proofsWithFee(total uint64, keysetId string) cashu.Proofs {
	proofs := cashu.Proofs{}
	for _, amount := range cashu.AmountSplit(total) {
		proofs = append(proofs, cashu.Proof{Amount: amount, Id: keysetId})
	}
	return proofs
}

func TestFeeValidatorBoundary(t *testing.T) {
	// 10 proofs at 5000 ppk each make a keyset fee of exactly 50 on a
	// total of 1000
	keysetId := "00feeboundary001"
	feePpk := map[string]uint{keysetId: 5000}

	proofs := make(cashu.Proofs, 10)
	for i := range proofs {
		proofs[i] = cashu.Proof{Amount: 100, Id: keysetId}
	}

	validator := NewFeeValidator(FeeConfig{MaxKeysetFeePercent: 5})
	keysetFee, err := validator.Validate(proofs, feePpk, 0)
	if err != nil {
		t.Fatalf("expected fee of exactly the maximum to be accepted: %v", err)
	}
	if keysetFee != 50 {
		t.Fatalf("expected keyset fee of 50 but got %v", keysetFee)
	}

	// one ppk step over the line rejects
	feePpk[keysetId] = 5100
	_, err = validator.Validate(proofs, feePpk, 0)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for fee of 51 but got '%v'", err)
	}
}

func TestFeeValidatorMonotonic(t *testing.T) {
	keysetId := "00feemonotonic01"
	feePpk := map[string]uint{keysetId: 3000}
	proofs := proofsWithFee(1000, keysetId)

	accepted := false
	for percent := uint64(0); percent <= 10; percent++ {
		validator := NewFeeValidator(FeeConfig{MaxKeysetFeePercent: percent})
		_, err := validator.Validate(proofs, feePpk, 0)
		if err == nil {
			accepted = true
		} else if accepted {
			t.Fatalf("raising the ceiling to %v%% turned an accepted validation into a rejection", percent)
		}
	}
	if !accepted {
		t.Fatal("expected validation to be accepted at some ceiling")
	}
}

func TestFeeValidatorCustomerAdvance(t *testing.T) {
	keysetId := "00feeadvance0001"
	feePpk := map[string]uint{keysetId: 0}
	proofs := proofsWithFee(100, keysetId)

	// reserve of 12 with no advance exceeds ceil(10% of 100) = 10
	validator := NewFeeValidator(FeeConfig{MaxLightningFeePercent: 10})
	if _, err := validator.Validate(proofs, feePpk, 12); err == nil {
		t.Fatal("expected rejection of lightning fee reserve")
	}

	// an advance of 2 brings the effective reserve back to the limit
	validator = NewFeeValidator(FeeConfig{MaxLightningFeePercent: 10, CustomerFeeAdvance: 2})
	if _, err := validator.Validate(proofs, feePpk, 12); err != nil {
		t.Fatalf("expected advance to cover reserve overrun: %v", err)
	}
}

func TestFeeValidatorRejectsUnknownKeyset(t *testing.T) {
	validator := NewFeeValidator(FeeConfig{MaxKeysetFeePercent: 100})

	proofs := cashu.Proofs{{Amount: 2, Id: "00known000000001"}, {Amount: 2, Id: "00unknown0000001"}}
	feePpk := map[string]uint{"00known000000001": 0}

	var validationErr *ValidationError
	if _, err := validator.Validate(proofs, feePpk, 0); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for unknown keyset but got '%v'", err)
	}

	// empty input set rejects as well
	if _, err := validator.Validate(cashu.Proofs{}, feePpk, 0); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for empty proofs but got '%v'", err)
	}
}
