// Package quota decides whether a principal may create another server.
package quota

import "github.com/craftnest/control-plane/internal/model"

type Reason string

const (
	ReasonFreeTrialAlreadyUsed Reason = "free_trial_already_used"
	ReasonSubscriptionRequired Reason = "subscription_required"
	ReasonQuotaExceeded        Reason = "quota_exceeded"
)

// Decision is the outcome of CanCreate. Limit is only meaningful once rule 3 was reached.
type Decision struct {
	Allowed bool
	Reason  Reason
	Active  int
	Limit   int
}

// CanCreate applies the creation rules in order; the first failing rule wins.
func CanCreate(p model.Principal, plan model.Plan, currentPlan *model.Plan, active int) Decision {
	if plan.IsFree && p.HasUsedFreeTrial {
		return Decision{Reason: ReasonFreeTrialAlreadyUsed, Active: active}
	}
	if !plan.IsFree && p.SubscriptionStatus != model.SubscriptionActive {
		return Decision{Reason: ReasonSubscriptionRequired, Active: active}
	}
	limit := ResolveQuotaLimit(p, plan, currentPlan)
	if active >= limit {
		return Decision{Reason: ReasonQuotaExceeded, Active: active, Limit: limit}
	}
	return Decision{Allowed: true, Active: active, Limit: limit}
}

// ResolveQuotaLimit prefers the principal's standing subscription over the plan being
// purchased: an active, non-free current plan governs multi-server accounts.
func ResolveQuotaLimit(p model.Principal, candidate model.Plan, currentPlan *model.Plan) int {
	if p.SubscriptionStatus == model.SubscriptionActive && currentPlan != nil && !currentPlan.IsFree {
		return currentPlan.MaxServers
	}
	return candidate.MaxServers
}
