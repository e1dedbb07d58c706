// Package fees implements the basis-point fee arithmetic shared by project
// creation and donation handling.
package fees

import (
	"errors"
	"math"
)

// MaxRateBps is the highest admissible fee rate: 10,000 basis points = 100%.
const MaxRateBps uint64 = 10_000

var (
	// ErrInvalidAmount rejects zero or otherwise unusable amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrRateOutOfRange rejects fee rates above 10,000 basis points.
	ErrRateOutOfRange = errors.New("fee rate out of range")

	// ErrAmountOverflow rejects arithmetic that would wrap the 64-bit
	// amount space.
	ErrAmountOverflow = errors.New("amount overflow")
)

// Split divides a gross payment into the net amount and the platform fee at
// the given basis-point rate. The fee is rounded down and the net keeps the
// remainder, so net+fee equals gross exactly. The two-term form is equal to
// floor(gross*rateBps/10000) and cannot wrap for any uint64 gross.
func Split(gross, rateBps uint64) (net, fee uint64, err error) {
	if gross == 0 {
		return 0, 0, ErrInvalidAmount
	}
	if rateBps > MaxRateBps {
		return 0, 0, ErrRateOutOfRange
	}
	fee = gross/MaxRateBps*rateBps + gross%MaxRateBps*rateBps/MaxRateBps
	return gross - fee, fee, nil
}

// RequiredCreationFee returns the fee owed to register a project with the
// given funding goal.
func RequiredCreationFee(goal, rateBps uint64) (uint64, error) {
	_, fee, err := Split(goal, rateBps)
	if err != nil {
		return 0, err
	}
	return fee, nil
}

// Add returns a+b, rejecting sums that would wrap uint64.
func Add(a, b uint64) (uint64, error) {
	if b > math.MaxUint64-a {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}
