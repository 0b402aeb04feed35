package plan

import "strings"

type PlanType string

const (
	Starter PlanType = "starter"
	Growth  PlanType = "growth"
	Scale   PlanType = "scale"
)

// Table maps a plan to its monthly token ceiling.
type Table map[PlanType]int64

// DefaultTable is the process-wide allowance table. Treat it as read-only;
// use Clone when a modified copy is needed.
var DefaultTable = Table{
	Starter: 50_000,
	Growth:  100_000,
	Scale:   500_000,
}

// Normalize returns the effective plan for a raw plan_type value.
// Anything unrecognised falls back to Starter.
func Normalize(raw string) PlanType {
	switch p := PlanType(strings.ToLower(strings.TrimSpace(raw))); p {
	case Starter, Growth, Scale:
		return p
	default:
		return Starter
	}
}

// Ceiling resolves the monthly token ceiling for raw. A table missing the
// resolved plan still answers with the starter allowance, never unlimited.
func (t Table) Ceiling(raw string) int64 {
	if c, ok := t[Normalize(raw)]; ok {
		return c
	}
	if c, ok := t[Starter]; ok {
		return c
	}
	return DefaultTable[Starter]
}

func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// UpgradeMessage is the user-facing text shown when an agency hits its ceiling.
func UpgradeMessage(p PlanType) string {
	switch p {
	case Starter:
		return "You have reached the monthly AI limit of the Starter plan. Upgrade to Growth to keep chatting."
	case Growth:
		return "You have reached the monthly AI limit of the Growth plan. Upgrade to Scale for a higher allowance."
	default:
		return "You have reached your plan's monthly AI limit. Contact support to raise your allowance."
	}
}
