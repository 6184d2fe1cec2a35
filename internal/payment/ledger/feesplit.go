package ledger

import "github.com/clinicore/clinicore/internal/payment/domain"

// FeeSplit is the computed merchant/platform division of a gross amount.
// MerchantCents + PlatformCents always equals the gross input and neither is
// negative.
type FeeSplit struct {
	MerchantCents    int64
	PlatformCents    int64
	PlatformFeeCents int64
}

// ComputeSplit divides gross cents between merchant and platform under the
// clinic's fee policy. merchantShare = round(gross * percent/100),
// platformFee = round(gross * bps/10000) + flat, merchant = max(0,
// share - fee), platform = gross - merchant. All arithmetic stays in integer
// cents.
func ComputeSplit(grossCents int64, policy domain.FeePolicy) FeeSplit {
	if grossCents < 0 {
		grossCents = 0
	}

	merchantShare := roundDiv(grossCents*policy.MerchantPercent, 100)
	platformFee := roundDiv(grossCents*policy.FeeBasisPoints, 10_000) + policy.FlatFeeCents
	if platformFee < 0 {
		platformFee = 0
	}

	merchant := merchantShare - platformFee
	if merchant < 0 {
		merchant = 0
	}
	if merchant > grossCents {
		merchant = grossCents
	}

	return FeeSplit{
		MerchantCents:    merchant,
		PlatformCents:    grossCents - merchant,
		PlatformFeeCents: platformFee,
	}
}

// roundDiv divides with half-up rounding on non-negative numerators.
func roundDiv(numerator, denominator int64) int64 {
	if numerator <= 0 {
		return 0
	}
	return (numerator + denominator/2) / denominator
}
