package fees

import "math/big"

// MaxBps is the basis-point denominator; a rate of MaxBps charges the full
// amount.
const MaxBps = 10_000

var maxBpsBig = big.NewInt(MaxBps)

// ComputeFee returns floor(amount * feeBps / MaxBps), clamped so the result
// never exceeds amount. Nil or negative amounts yield a zero fee. Callers are
// expected to reject feeBps > MaxBps beforehand; the clamp keeps the function
// total regardless.
func ComputeFee(amount *big.Int, feeBps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || feeBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(feeBps))
	fee.Quo(fee, maxBpsBig)
	if fee.Cmp(amount) > 0 {
		return new(big.Int).Set(amount)
	}
	return fee
}

// ApplyResult summarises how a gross amount is divided between the payee and
// the fee recipient.
type ApplyResult struct {
	Gross *big.Int
	Fee   *big.Int
	Net   *big.Int
}

// Apply splits gross into the fee owed at feeBps and the remaining net amount.
// Net + Fee always equals Gross.
func Apply(gross *big.Int, feeBps uint64) ApplyResult {
	total := big.NewInt(0)
	if gross != nil && gross.Sign() > 0 {
		total.Set(gross)
	}
	fee := ComputeFee(total, feeBps)
	return ApplyResult{
		Gross: total,
		Fee:   fee,
		Net:   new(big.Int).Sub(total, fee),
	}
}

// ValidBps reports whether the basis-point rate lies within [0, MaxBps].
func ValidBps(feeBps uint64) bool {
	return feeBps <= MaxBps
}
