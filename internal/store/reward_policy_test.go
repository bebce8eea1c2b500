package store

import (
	"testing"
	"time"

	"github.com/hongbao/ledger-service/internal/domain"
)

func ptrInt64(v int64) *int64 { return &v }

func ptrBool(v bool) *bool { return &v }

func TestPlanReservation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name       string
		pool       domain.RewardPool
		params     ReserveParams
		wantStatus domain.ClaimStatus
		wantPoints int64
	}{
		{
			name:       "unlimited pool grants nominal points",
			pool:       domain.RewardPool{PointsPerGrant: 5, Enabled: true},
			params:     ReserveParams{Decision: domain.Allow(), Now: now},
			wantStatus: domain.ClaimStatusOK,
			wantPoints: 5,
		},
		{
			name:       "budget below points is exhausted",
			pool:       domain.RewardPool{PointsPerGrant: 5, RemainingBudget: ptrInt64(4), Cap: 100, Enabled: true},
			params:     ReserveParams{Decision: domain.Allow(), Now: now},
			wantStatus: domain.ClaimStatusPoolExhausted,
		},
		{
			name:       "zero budget is exhausted",
			pool:       domain.RewardPool{PointsPerGrant: 5, RemainingBudget: ptrInt64(0), Cap: 100, Enabled: true},
			params:     ReserveParams{Decision: domain.Allow(), Now: now},
			wantStatus: domain.ClaimStatusPoolExhausted,
		},
		{
			name:       "disabled pool is exhausted",
			pool:       domain.RewardPool{PointsPerGrant: 5, RemainingBudget: ptrInt64(100), Cap: 100},
			params:     ReserveParams{Decision: domain.Allow(), Now: now},
			wantStatus: domain.ClaimStatusPoolExhausted,
		},
		{
			name:       "exhaustion wins over deny",
			pool:       domain.RewardPool{PointsPerGrant: 5, RemainingBudget: ptrInt64(0), Cap: 100, Enabled: true},
			params:     ReserveParams{Decision: domain.Deny(), Now: now},
			wantStatus: domain.ClaimStatusPoolExhausted,
		},
		{
			name:       "deny",
			pool:       domain.RewardPool{PointsPerGrant: 5, RemainingBudget: ptrInt64(100), Cap: 100, Enabled: true},
			params:     ReserveParams{Decision: domain.Deny(), Now: now},
			wantStatus: domain.ClaimStatusDeniedFraud,
		},
		{
			name:       "throttle scales and floors",
			pool:       domain.RewardPool{PointsPerGrant: 5, RemainingBudget: ptrInt64(100), Cap: 100, Enabled: true},
			params:     ReserveParams{Decision: domain.Throttle(0.4), Now: now},
			wantStatus: domain.ClaimStatusOK,
			wantPoints: 2,
		},
		{
			name:       "lapsed cold start applies low trust multiplier",
			pool:       domain.RewardPool{PointsPerGrant: 10, RemainingBudget: ptrInt64(100), Cap: 100, Enabled: true, ExpiresAt: &past},
			params:     ReserveParams{Decision: domain.Allow(), LowTrustMultiplier: 0.5, Now: now},
			wantStatus: domain.ClaimStatusOK,
			wantPoints: 5,
		},
		{
			name:       "open cold start keeps nominal points",
			pool:       domain.RewardPool{PointsPerGrant: 10, RemainingBudget: ptrInt64(100), Cap: 100, Enabled: true, ExpiresAt: &future},
			params:     ReserveParams{Decision: domain.Allow(), LowTrustMultiplier: 0.5, Now: now},
			wantStatus: domain.ClaimStatusOK,
			wantPoints: 10,
		},
		{
			name:       "low trust and throttle compose",
			pool:       domain.RewardPool{PointsPerGrant: 10, Enabled: true, ExpiresAt: &past},
			params:     ReserveParams{Decision: domain.Throttle(0.5), LowTrustMultiplier: 0.5, Now: now},
			wantStatus: domain.ClaimStatusOK,
			wantPoints: 2,
		},
		{
			name:       "zero points per grant is exhausted",
			pool:       domain.RewardPool{PointsPerGrant: 0, Enabled: true},
			params:     ReserveParams{Decision: domain.Allow(), Now: now},
			wantStatus: domain.ClaimStatusPoolExhausted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, points := planReservation(tc.pool, tc.params)
			if status != tc.wantStatus {
				t.Fatalf("expected status %s, got %s", tc.wantStatus, status)
			}
			if points != tc.wantPoints {
				t.Fatalf("expected %d points, got %d", tc.wantPoints, points)
			}
		})
	}
}

func TestApplyPoolUpdate(t *testing.T) {
	tests := []struct {
		name          string
		pool          domain.RewardPool
		params        domain.UpdateRewardPoolParams
		wantRemaining *int64
		wantCap       int64
		wantEnabled   bool
	}{
		{
			name:          "lower cap clamps remaining",
			pool:          domain.RewardPool{RemainingBudget: ptrInt64(800), Cap: 1000, Enabled: true},
			params:        domain.UpdateRewardPoolParams{Cap: ptrInt64(500)},
			wantRemaining: ptrInt64(500),
			wantCap:       500,
			wantEnabled:   true,
		},
		{
			name:          "disable empties the pool",
			pool:          domain.RewardPool{RemainingBudget: ptrInt64(800), Cap: 1000, Enabled: true},
			params:        domain.UpdateRewardPoolParams{Enabled: ptrBool(false)},
			wantRemaining: ptrInt64(0),
			wantCap:       1000,
			wantEnabled:   false,
		},
		{
			name:          "replenish is clamped to cap",
			pool:          domain.RewardPool{RemainingBudget: ptrInt64(0), Cap: 1000, Enabled: true},
			params:        domain.UpdateRewardPoolParams{Remaining: ptrInt64(5000)},
			wantRemaining: ptrInt64(1000),
			wantCap:       1000,
			wantEnabled:   true,
		},
		{
			name:          "unlimited pool stays unlimited on cap change",
			pool:          domain.RewardPool{Cap: 1000, Enabled: true},
			params:        domain.UpdateRewardPoolParams{Cap: ptrInt64(10)},
			wantRemaining: nil,
			wantCap:       10,
			wantEnabled:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool := tc.pool
			applyPoolUpdate(&pool, tc.params)
			if pool.Cap != tc.wantCap {
				t.Fatalf("expected cap %d, got %d", tc.wantCap, pool.Cap)
			}
			if pool.Enabled != tc.wantEnabled {
				t.Fatalf("expected enabled %v, got %v", tc.wantEnabled, pool.Enabled)
			}
			switch {
			case tc.wantRemaining == nil && pool.RemainingBudget != nil:
				t.Fatalf("expected unlimited pool, got %d", *pool.RemainingBudget)
			case tc.wantRemaining != nil && pool.RemainingBudget == nil:
				t.Fatalf("expected remaining %d, got unlimited", *tc.wantRemaining)
			case tc.wantRemaining != nil && *pool.RemainingBudget != *tc.wantRemaining:
				t.Fatalf("expected remaining %d, got %d", *tc.wantRemaining, *pool.RemainingBudget)
			}
		})
	}
}

func TestClassifySlot(t *testing.T) {
	claim := func(status domain.ClaimStatus, key string) *domain.RewardClaim {
		return &domain.RewardClaim{GroupID: "g1", AccountID: "acct-1", Status: status, IdempotencyKey: key}
	}
	tests := []struct {
		name     string
		existing *domain.RewardClaim
		want     slotState
	}{
		{"empty slot", nil, slotOpen},
		{"same key granted concurrently", claim(domain.ClaimStatusOK, "join"), slotReplay},
		{"same key denied concurrently", claim(domain.ClaimStatusDeniedFraud, "join"), slotReplay},
		{"same key cooldown", claim(domain.ClaimStatusCooldown, "join"), slotOpen},
		{"other key granted", claim(domain.ClaimStatusOK, "other"), slotTaken},
		{"other key exhausted", claim(domain.ClaimStatusPoolExhausted, "other"), slotOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySlot(tt.existing, "join"); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
