package healthcheck

import "context"

// Multi runs several checkers and concatenates their results.
type Multi struct {
	checkers []Checker
}

// NewMulti creates a combined checker; nil entries are skipped.
func NewMulti(checkers ...Checker) *Multi {
	items := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			items = append(items, c)
		}
	}
	return &Multi{checkers: items}
}

// ListChecks evaluates every checker in order.
func (m *Multi) ListChecks(ctx context.Context, tenantID string) []CheckResult {
	if m == nil {
		return []CheckResult{}
	}
	result := []CheckResult{}
	for _, c := range m.checkers {
		result = append(result, c.ListChecks(ctx, tenantID)...)
	}
	return result
}

// Overall folds check statuses into the worst one.
func Overall(items []CheckResult) string {
	if len(items) == 0 {
		return StatusUnknown
	}
	rank := map[string]int{StatusOK: 0, StatusUnknown: 1, StatusWarn: 2, StatusError: 3}
	worst := StatusOK
	for _, item := range items {
		if rank[item.Status] > rank[worst] {
			worst = item.Status
		}
	}
	return worst
}
