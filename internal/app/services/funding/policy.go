package funding

import (
	"fmt"
	"strings"

	"github.com/R3E-Network/pledgevault/internal/app/domain/fees"
)

// CustodyPolicy selects where a donation's net amount goes once the fee has
// been split off.
type CustodyPolicy string

const (
	// CustodyForward credits the net amount to the owner's treasury account
	// at donation time. Nothing is held back, so refunds are impossible.
	CustodyForward CustodyPolicy = "forward"
	// CustodyEscrow holds the net amount in the project's vault account
	// until it is refunded to the donor.
	CustodyEscrow CustodyPolicy = "escrow"
)

// Policy is the platform funding policy injected into the engine. It is
// loaded from configuration at startup and fixed for the process lifetime.
type Policy struct {
	// FeeAccount is the treasury account credited with every platform fee.
	FeeAccount string
	// CreationFeeBps is the registration fee rate applied to the funding
	// goal, in basis points.
	CreationFeeBps uint64
	// DonationFeeBps is the fee rate applied to every donation, in basis
	// points.
	DonationFeeBps uint64
	// Custody selects forwarding or escrow for donation net amounts.
	Custody CustodyPolicy
}

// DefaultPolicy returns the stock platform policy: 1% fees either way, net
// amounts forwarded to owners.
func DefaultPolicy() Policy {
	return Policy{
		FeeAccount:     "platform-treasury",
		CreationFeeBps: 100,
		DonationFeeBps: 100,
		Custody:        CustodyForward,
	}
}

// Validate rejects policies the fee arithmetic cannot honor.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.FeeAccount) == "" {
		return fmt.Errorf("fee account is required")
	}
	if p.CreationFeeBps > fees.MaxRateBps {
		return fmt.Errorf("creation fee rate %d bps: %w", p.CreationFeeBps, fees.ErrRateOutOfRange)
	}
	if p.DonationFeeBps > fees.MaxRateBps {
		return fmt.Errorf("donation fee rate %d bps: %w", p.DonationFeeBps, fees.ErrRateOutOfRange)
	}
	switch p.Custody {
	case CustodyForward, CustodyEscrow:
		return nil
	default:
		return fmt.Errorf("unknown custody policy %q", p.Custody)
	}
}
