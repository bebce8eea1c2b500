package app

import (
	"strings"

	"github.com/hongbao/ledger-service/internal/domain"
)

const reviewRiskScore = 5

var bannedKeywords = []string{"casino", "赌", "賭", "博彩", "airdrop", "profit", "roi", "cashback"}

// RiskInput carries the group content and the creator's recent history.
type RiskInput struct {
	Name                 string
	Description          string
	Tags                 []string
	DuplicateInviteLinks int
	RecentCreations      int
}

// ScoreGroupRisk scores a new group for abuse. The second return value reports
// whether the group should be held for manual review.
func ScoreGroupRisk(in RiskInput) (domain.RiskAssessment, bool) {
	assessment := domain.RiskAssessment{Flags: []string{}}
	text := strings.ToLower(strings.Join(append([]string{in.Name, in.Description}, in.Tags...), " "))

	for _, keyword := range bannedKeywords {
		if strings.Contains(text, keyword) {
			assessment.Score += 3
			assessment.Flags = append(assessment.Flags, "keyword:"+keyword)
		}
	}
	if in.DuplicateInviteLinks > 0 {
		assessment.Score += 5
		assessment.Flags = append(assessment.Flags, "duplicate_link")
	}
	if in.RecentCreations >= 3 {
		assessment.Score += 4
		assessment.Flags = append(assessment.Flags, "frequency_high")
	}
	if len(in.Tags) > 5 {
		assessment.Score++
		assessment.Flags = append(assessment.Flags, "too_many_tags")
	}

	seen := make(map[string]struct{}, len(in.Tags))
	for _, tag := range in.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if _, dup := seen[normalized]; dup {
			assessment.Score++
			assessment.Flags = append(assessment.Flags, "duplicate_tags")
			break
		}
		seen[normalized] = struct{}{}
	}

	return assessment, assessment.Score >= reviewRiskScore
}
