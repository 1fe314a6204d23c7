package provider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Abhinav21110/deployify/internal/domain"
)

// Policy carries the intake inputs the selector weighs.
type Policy struct {
	Environment        string
	Budget             string
	PreferredProviders []string
	ExplicitProvider   string
	MaxArtifactMB      float64
}

// Select maps a detection result and policy to one provider kind. It is a
// total deterministic function: a registered kind always comes back.
func Select(reg *Registry, det domain.DetectionResult, policy Policy) (kind, reason string) {
	if policy.ExplicitProvider != "" {
		if _, ok := reg.Get(policy.ExplicitProvider); ok {
			return policy.ExplicitProvider, "explicitly requested"
		}
	}
	for _, preferred := range policy.PreferredProviders {
		if _, ok := reg.Get(preferred); ok {
			return preferred, "first registered preference"
		}
	}
	if strings.Contains(det.Framework, "Next.js") {
		if _, ok := reg.Get(KindVercel); ok {
			return KindVercel, "Next.js projects deploy natively on Vercel"
		}
	}
	if det.IsPureStatic || det.Type == domain.TypeStatic {
		if _, ok := reg.Get(KindNetlify); ok {
			return KindNetlify, "static sites favor Netlify"
		}
	}
	if _, ok := reg.Get(KindVercel); ok {
		return KindVercel, "general default"
	}
	kinds := reg.Kinds()
	if len(kinds) > 0 {
		return kinds[0], "only registered provider"
	}
	return "", "no providers registered"
}

// Recommendation is one scored entry in a ranked provider list.
type Recommendation struct {
	Provider string   `json:"provider"`
	Score    int      `json:"score"`
	Reasons  []string `json:"reasons"`
}

// Recommend scores every registered adapter for UI display. Scoring is
// additive and clamps to [0, 100]; ties keep registration order.
func Recommend(reg *Registry, det domain.DetectionResult, budget string, sizeMB float64) []Recommendation {
	adapters := reg.Adapters()
	recs := make([]Recommendation, 0, len(adapters))
	for _, adapter := range adapters {
		caps := adapter.Capabilities()
		score := 0
		var reasons []string

		if containsString(caps.SupportedProjectTypes, det.Type) {
			score += 40
			reasons = append(reasons, fmt.Sprintf("supports %s projects", det.Type))
		} else {
			reasons = append(reasons, fmt.Sprintf("no declared support for %s projects", det.Type))
		}

		if (budget == domain.BudgetFree || budget == domain.BudgetLow) && caps.SupportsFreeTier {
			score += 30
			reasons = append(reasons, "free tier available")
		}

		if sizeMB > 0 && caps.MaxArtifactMB > 0 {
			if sizeMB <= caps.MaxArtifactMB {
				score += 20
				reasons = append(reasons, fmt.Sprintf("artifact fits %.0f MB limit", caps.MaxArtifactMB))
			} else {
				score -= 20
				reasons = append(reasons, fmt.Sprintf("artifact exceeds %.0f MB limit", caps.MaxArtifactMB))
			}
		}

		if affinity := frameworkAffinity(adapter.Kind(), det.Framework); affinity > 0 {
			score += affinity
			reasons = append(reasons, fmt.Sprintf("%s affinity for %s", adapter.Kind(), det.Framework))
		}

		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		recs = append(recs, Recommendation{Provider: adapter.Kind(), Score: score, Reasons: reasons})
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	return recs
}

func frameworkAffinity(kind, framework string) int {
	switch kind {
	case KindVercel:
		if strings.Contains(framework, "Next.js") || strings.Contains(framework, "Remix") {
			return 15
		}
	case KindNetlify:
		if strings.Contains(framework, "Gatsby") || strings.Contains(framework, "Eleventy") || framework == "Static HTML" {
			return 10
		}
	}
	return 0
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
