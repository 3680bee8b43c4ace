package settlement

import (
	"github.com/cashtill/cashtill/cashu"
)

// FeeConfig holds the merchant's fee ceilings. CustomerFeeAdvance is the
// amount of fee the customer was already charged up front; it is consumed
// by the keyset fee first and any remainder offsets the lightning reserve.
type FeeConfig struct {
	MaxKeysetFeePercent    uint64
	MaxLightningFeePercent uint64
	CustomerFeeAdvance     uint64
}

// FeeValidator gates settlements on the fees they would incur.
type FeeValidator struct {
	config FeeConfig
}

func NewFeeValidator(config FeeConfig) *FeeValidator {
	return &FeeValidator{config: config}
}

// ceilPercent returns ceil(percent/100 * amount) in integer arithmetic.
func ceilPercent(percent, amount uint64) uint64 {
	return (percent*amount + 99) / 100
}

// Validate computes the keyset fee for spending the proofs and accepts or
// rejects against the configured ceilings. feeReserve is the mint's
// lightning fee reserve for a melt, zero for a plain swap. An empty proof
// set or an input referencing an unknown keyset rejects outright.
func (v *FeeValidator) Validate(proofs cashu.Proofs, feePpk map[string]uint, feeReserve uint64) (uint64, error) {
	if len(proofs) == 0 {
		return 0, validationErrorf("no proofs to validate fees for")
	}

	keysetFee, err := cashu.ComputeFee(proofs, feePpk)
	if err != nil {
		return 0, &ValidationError{Reason: err.Error()}
	}

	totalAmount := proofs.Amount()
	advance := v.config.CustomerFeeAdvance

	effectiveKeysetFee := uint64(0)
	if keysetFee > advance {
		effectiveKeysetFee = keysetFee - advance
	}
	maxKeysetFee := ceilPercent(v.config.MaxKeysetFeePercent, totalAmount)
	if effectiveKeysetFee > maxKeysetFee {
		return keysetFee, validationErrorf(
			"keyset fee of %v exceeds maximum allowed fee of %v", effectiveKeysetFee, maxKeysetFee)
	}

	// whatever advance is left after the keyset fee offsets the reserve
	remainingAdvance := uint64(0)
	if advance > keysetFee {
		remainingAdvance = advance - keysetFee
	}
	effectiveLightningFee := uint64(0)
	if feeReserve > remainingAdvance {
		effectiveLightningFee = feeReserve - remainingAdvance
	}
	maxLightningFee := ceilPercent(v.config.MaxLightningFeePercent, totalAmount)
	if effectiveLightningFee > maxLightningFee {
		return keysetFee, validationErrorf(
			"lightning fee reserve of %v exceeds maximum allowed fee of %v", effectiveLightningFee, maxLightningFee)
	}

	return keysetFee, nil
}
