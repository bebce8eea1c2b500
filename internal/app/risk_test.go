package app

import (
	"slices"
	"testing"
)

func TestScoreGroupRisk(t *testing.T) {
	tests := []struct {
		name       string
		in         RiskInput
		wantScore  int
		wantReview bool
		wantFlag   string
	}{
		{name: "clean", in: RiskInput{Name: "Weekend hikers", Tags: []string{"outdoors"}}, wantScore: 0},
		{name: "banned keyword", in: RiskInput{Name: "Daily airdrop"}, wantScore: 3, wantFlag: "keyword:airdrop"},
		{name: "keyword in tags", in: RiskInput{Name: "Deals", Tags: []string{"CASHBACK"}}, wantScore: 3, wantFlag: "keyword:cashback"},
		{name: "duplicate link", in: RiskInput{Name: "Hikers", DuplicateInviteLinks: 1}, wantScore: 5, wantReview: true, wantFlag: "duplicate_link"},
		{name: "frequent creator", in: RiskInput{Name: "Hikers", RecentCreations: 3}, wantScore: 4, wantFlag: "frequency_high"},
		{name: "too many tags", in: RiskInput{Name: "Hikers", Tags: []string{"a", "b", "c", "d", "e", "f"}}, wantScore: 1, wantFlag: "too_many_tags"},
		{name: "duplicate tags", in: RiskInput{Name: "Hikers", Tags: []string{"Hiking", "hiking "}}, wantScore: 1, wantFlag: "duplicate_tags"},
		{name: "combined", in: RiskInput{Name: "Casino night", RecentCreations: 5}, wantScore: 7, wantReview: true, wantFlag: "frequency_high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, review := ScoreGroupRisk(tt.in)
			if got.Score != tt.wantScore || review != tt.wantReview {
				t.Fatalf("expected score %d review %v, got %d %v (%v)", tt.wantScore, tt.wantReview, got.Score, review, got.Flags)
			}
			if tt.wantFlag != "" && !slices.Contains(got.Flags, tt.wantFlag) {
				t.Fatalf("expected flag %q in %v", tt.wantFlag, got.Flags)
			}
		})
	}
}
