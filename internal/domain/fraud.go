package domain

// FraudSignal is the precomputed abuse input consumed by the fraud gate.
// DistinctGroupsInWindow counts distinct groups the account entered inside the
// trailing velocity window; FingerprintReuse is the same count for the device or
// network fingerprint the request arrived with.
type FraudSignal struct {
	DistinctGroupsInWindow int    `json:"distinct_groups_in_window"`
	FingerprintReuse       int    `json:"fingerprint_reuse"`
	Fingerprint            string `json:"fingerprint,omitempty"`
}

// Velocity is the strongest of the account and fingerprint counts.
func (s FraudSignal) Velocity() int {
	if s.FingerprintReuse > s.DistinctGroupsInWindow {
		return s.FingerprintReuse
	}
	return s.DistinctGroupsInWindow
}

type DecisionKind string

const (
	DecisionAllow    DecisionKind = "allow"
	DecisionThrottle DecisionKind = "throttle"
	DecisionDeny     DecisionKind = "deny"
)

// Decision is the fraud gate verdict. Multiplier is only meaningful for throttle.
type Decision struct {
	Kind       DecisionKind `json:"kind"`
	Multiplier float64      `json:"multiplier,omitempty"`
}

func Allow() Decision { return Decision{Kind: DecisionAllow, Multiplier: 1} }

func Deny() Decision { return Decision{Kind: DecisionDeny} }

func Throttle(multiplier float64) Decision {
	return Decision{Kind: DecisionThrottle, Multiplier: multiplier}
}
