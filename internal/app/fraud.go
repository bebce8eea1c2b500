package app

import "github.com/hongbao/ledger-service/internal/domain"

// FraudGate turns a precomputed abuse signal into a reward decision.
// Implementations must not touch balances or pools.
type FraudGate interface {
	Evaluate(accountID, groupID string, signal domain.FraudSignal) domain.Decision
}

// ThresholdFraudGate throttles above ThrottleThreshold and denies above
// DenyThreshold, comparing against the strongest of the account and
// fingerprint velocities.
type ThresholdFraudGate struct {
	ThrottleThreshold  int
	DenyThreshold      int
	ThrottleMultiplier float64
}

func NewThresholdFraudGate(throttleThreshold, denyThreshold int, throttleMultiplier float64) *ThresholdFraudGate {
	return &ThresholdFraudGate{
		ThrottleThreshold:  throttleThreshold,
		DenyThreshold:      denyThreshold,
		ThrottleMultiplier: throttleMultiplier,
	}
}

func (g *ThresholdFraudGate) Evaluate(accountID, groupID string, signal domain.FraudSignal) domain.Decision {
	velocity := signal.Velocity()
	switch {
	case velocity > g.DenyThreshold:
		return domain.Deny()
	case velocity > g.ThrottleThreshold:
		return domain.Throttle(g.ThrottleMultiplier)
	default:
		return domain.Allow()
	}
}

// AllowAllGate approves every grant.
type AllowAllGate struct{}

func (AllowAllGate) Evaluate(string, string, domain.FraudSignal) domain.Decision {
	return domain.Allow()
}
