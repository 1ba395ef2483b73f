package llm

import (
	"fmt"
	"strings"

	"github.com/closurewatch/backend/internal/evidence"
	"github.com/closurewatch/backend/internal/storage/models"
)

// FallbackStrategy builds a deterministic action plan from the evidence
// pack alone. Actions are still conditioned on what the signals show,
// so two packs with different complaint or vacancy pictures produce
// different plans.
func FallbackStrategy(pack *evidence.Pack) *models.Strategy {
	refs := make([]string, 0, len(pack.Items))
	for _, item := range pack.Items {
		if item.ID != "" {
			refs = append(refs, item.ID)
		}
	}

	permits := pack.SignalSummaries["permits"]
	complaints := pack.SignalSummaries["complaints_311"]
	dbi := pack.SignalSummaries["dbi"]
	evictions := pack.SignalSummaries["evictions"]
	vacancy := pack.SignalSummaries["vacancy"]

	var actions []models.Action

	// 2 weeks: compliance first.
	if permits == "" || strings.Contains(permits, "0 permits") {
		actions = append(actions, models.Action{
			Horizon:        "2_weeks",
			Action:         "Conduct a permit compliance audit - verify all business licenses, health permits, and fire safety certificates are current",
			Why:            "Businesses with no recent permit activity may have lapsed licenses. Proactive verification prevents costly fines and forced closures.",
			ExpectedImpact: "medium",
			Effort:         "low",
			EvidenceRefs:   refsMatching(refs, "permits", "e:permits-001"),
			SuccessMetric:  "All permits verified and documented, any gaps identified",
		})
	} else {
		actions = append(actions, models.Action{
			Horizon:        "2_weeks",
			Action:         "Review and organize all active permits and their renewal dates",
			Why:            "Staying ahead of permit renewals prevents operational disruptions",
			ExpectedImpact: "low",
			Effort:         "low",
			EvidenceRefs:   refsMatching(refs, "permits", "e:permits-001"),
			SuccessMetric:  "Permit calendar created with all renewal dates",
		})
	}

	if strings.Contains(complaints, "0 complaints") || strings.Contains(dbi, "0 DBI") {
		actions = append(actions, models.Action{
			Horizon:        "2_weeks",
			Action:         "Document your current compliance status and create a 'clean record' baseline",
			Why:            "With no recent complaints, now is the ideal time to document your good standing for future reference (lease negotiations, insurance, etc.)",
			ExpectedImpact: "low",
			Effort:         "low",
			EvidenceRefs:   refsMatching(refs, "complaint", "e:complaints_311-001"),
			SuccessMetric:  "Compliance documentation folder created and organized",
		})
	} else {
		actions = append(actions, models.Action{
			Horizon:        "2_weeks",
			Action:         "Review and address any open complaints or DBI violations immediately",
			Why:            "Unresolved complaints can escalate to fines, liens, or business license revocation",
			ExpectedImpact: "high",
			Effort:         "medium",
			EvidenceRefs:   refsMatchingAny(refs, []string{"complaint", "dbi"}),
			SuccessMetric:  "All open complaints documented with resolution timeline",
		})
	}

	// 60 days: lease, finances, neighborhood.
	lowEvictions := strings.Contains(evictions, "0.0%") || strings.Contains(evictions, "0%")
	lowVacancy := strings.Contains(vacancy, "0.0%") || strings.Contains(vacancy, "0%")
	if lowEvictions && lowVacancy {
		why := "Stable neighborhood conditions indicate landlord has incentive to keep good tenants. This is the time to lock in favorable long-term terms."
		if evictions != "" {
			why = fmt.Sprintf("Stable neighborhood conditions (%s) indicate landlord has incentive to keep good tenants. This is the time to lock in favorable long-term terms.",
				strings.SplitN(evictions, ",", 2)[0])
		}
		actions = append(actions, models.Action{
			Horizon:        "60_days",
			Action:         "Negotiate lease terms with your landlord - your neighborhood has low eviction and vacancy rates, giving you leverage",
			Why:            why,
			ExpectedImpact: "high",
			Effort:         "medium",
			EvidenceRefs:   refsMatchingAny(refs, []string{"eviction", "vacancy"}),
			SuccessMetric:  "Lease renewal or extension signed with improved terms",
			Dependencies:   []string{"Complete compliance audit first"},
		})
	} else {
		actions = append(actions, models.Action{
			Horizon:        "60_days",
			Action:         "Review your lease terms and consult with a commercial lease attorney",
			Why:            "Understanding your rights and obligations is crucial in changing market conditions",
			ExpectedImpact: "medium",
			Effort:         "medium",
			EvidenceRefs:   refsMatchingAny(refs, []string{"eviction", "vacancy"}),
			SuccessMetric:  "Lease review completed, key dates and obligations documented",
		})
	}

	financialRefs := refs
	if len(financialRefs) > 2 {
		financialRefs = financialRefs[:2]
	}
	actions = append(actions, models.Action{
		Horizon:        "60_days",
		Action:         "Build a 3-month emergency operating fund and establish a line of credit with your bank",
		Why:            fmt.Sprintf("With a %s risk profile (score: %.2f), financial reserves provide a buffer against unexpected disruptions like supply chain issues, seasonal slowdowns, or emergency repairs.", pack.RiskBand, pack.RiskScore),
		ExpectedImpact: "high",
		Effort:         "medium",
		EvidenceRefs:   financialRefs,
		SuccessMetric:  "Emergency fund target set and savings plan in place; credit line approved",
	})

	actions = append(actions, models.Action{
		Horizon:        "60_days",
		Action:         "Join your local merchant association and attend neighborhood business meetings",
		Why:            "Collective advocacy is powerful in San Francisco. Merchant groups often get advance notice of policy changes, construction projects, and can negotiate group rates for services.",
		ExpectedImpact: "medium",
		Effort:         "low",
		EvidenceRefs:   []string{},
		SuccessMetric:  "Membership active, attended at least one meeting",
	})

	// 6 months: resilience and monitoring.
	actions = append(actions, models.Action{
		Horizon:        "6_months",
		Action:         "Develop a secondary revenue stream or expand service offerings",
		Why:            "Businesses with multiple revenue sources are more resilient to market changes. Consider online sales, delivery partnerships, or complementary services.",
		ExpectedImpact: "high",
		Effort:         "high",
		EvidenceRefs:   []string{},
		SuccessMetric:  "New revenue stream launched and generating at least 10% of total revenue",
		Dependencies:   []string{"Financial reserves in place"},
	})

	actions = append(actions, models.Action{
		Horizon:        "6_months",
		Action:         "Strengthen your digital presence - update Google Business profile, collect customer reviews, and establish social media presence",
		Why:            "Strong online presence builds customer loyalty, attracts new customers, and provides a communication channel during disruptions.",
		ExpectedImpact: "medium",
		Effort:         "medium",
		EvidenceRefs:   []string{},
		SuccessMetric:  "Google Business verified and optimized, 20+ customer reviews, active social media",
	})

	actions = append(actions, models.Action{
		Horizon:        "6_months",
		Action:         "Set up a quarterly risk monitoring routine to track neighborhood changes",
		Why:            "Proactive monitoring catches problems early. Track permit activity, complaints, evictions in your area to spot trends before they impact you.",
		ExpectedImpact: "medium",
		Effort:         "low",
		EvidenceRefs:   refs,
		SuccessMetric:  "Quarterly risk check calendar set, first review completed",
	})

	return &models.Strategy{
		Summary:           fallbackSummary(pack),
		Actions:           actions,
		QuestionsForUser:  fallbackQuestions(),
		PriorityRationale: "Actions are prioritized using the 'quick wins first' framework: (1) Low-effort compliance items prevent fines and establish baseline, (2) Medium-term actions build financial and operational resilience, (3) Long-term initiatives create sustainable competitive advantages. High-impact items are weighted higher within each time horizon.",
		RiskIfNoAction:    fallbackRiskIfNoAction(pack.RiskBand),
		IsFallback:        true,
	}
}

func fallbackSummary(pack *evidence.Pack) string {
	name := entitySummaryOr(pack)
	switch pack.RiskBand {
	case "low":
		return fmt.Sprintf("%s has a low risk profile (score: %.2f). This is a great foundation to build on. Focus on maintaining compliance, strengthening your financial position, and locking in favorable lease terms while conditions are good. The recommended workflow prioritizes preserving your stable position while building resilience for future challenges.", name, pack.RiskScore)
	case "high":
		return fmt.Sprintf("%s shows elevated risk (score: %.2f). Immediate action is needed to address compliance issues and stabilize operations. The recommended workflow front-loads critical compliance tasks, then builds toward financial resilience and long-term stability. Prioritize the 2-week actions immediately.", name, pack.RiskScore)
	default:
		return fmt.Sprintf("%s has a moderate risk profile (score: %.2f). There's room for improvement, but no immediate crisis. The recommended workflow balances quick compliance wins with strategic initiatives to strengthen your position over the next 6 months.", name, pack.RiskScore)
	}
}

func fallbackRiskIfNoAction(band string) string {
	switch band {
	case "low":
		return "While current risk is low, failure to maintain compliance or prepare for market changes could leave you vulnerable. Neighborhoods can shift quickly in San Francisco - businesses that don't adapt often find themselves behind."
	case "high":
		return "Without addressing the identified risk factors, there is significant probability of operational disruption within the next 6 months. This could include fines, forced closures, or lease non-renewal. Immediate action is strongly recommended."
	default:
		return "Continued exposure to identified risk factors may lead to gradual erosion of business stability. While no immediate crisis is likely, accumulating small issues can compound into larger problems over time."
	}
}

func fallbackQuestions() []string {
	return []string{
		"When does your current lease expire, and have you started renewal discussions?",
		"Do you have any pending permit applications or renewals coming up?",
		"What percentage of your revenue comes from your primary product/service vs. secondary offerings?",
		"Are you a member of any local merchant associations or business groups?",
		"What is your current emergency fund situation - how many months of operating expenses do you have saved?",
	}
}

func refsMatching(refs []string, substr, fallback string) []string {
	matched := refsMatchingAny(refs, []string{substr})
	if len(matched) == 0 {
		return []string{fallback}
	}
	return matched
}

func refsMatchingAny(refs []string, substrs []string) []string {
	matched := []string{}
	for _, ref := range refs {
		lower := strings.ToLower(ref)
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				matched = append(matched, ref)
				break
			}
		}
	}
	return matched
}
