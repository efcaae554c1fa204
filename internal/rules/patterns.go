package rules

import (
	"fmt"
	"strconv"
	"strings"

	"workgate/internal/domain"
)

// evalThreshold asserts that the resolved numeric field satisfies
// operator/threshold. The violation message carries actual vs required so
// callers can act without re-querying.
func evalThreshold(rule domain.Rule, entity domain.Entity, children []domain.Entity) (bool, string, error) {
	p := rule.Pattern
	actual, ok := resolveNumeric(entity, children, p.Field)
	if !ok {
		return false, fmt.Sprintf("rule %s: field %s is missing or not numeric, requires %s %v", rule.ID, p.Field, p.Operator, p.Threshold), nil
	}
	pass, err := compare(actual, p.Operator, p.Threshold)
	if err != nil {
		return false, "", fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	if pass {
		return true, "", nil
	}
	return false, fmt.Sprintf("rule %s: %s is %s, requires %s %s",
		rule.ID, p.Field, formatNumber(actual), p.Operator, formatNumber(p.Threshold)), nil
}

// evalPresence asserts a field exists, is non-empty and meets the minimum
// length when one is set.
func evalPresence(rule domain.Rule, entity domain.Entity) (bool, string, error) {
	p := rule.Pattern
	value, _ := resolveString(entity, p.Field)
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false, fmt.Sprintf("rule %s: field %s is empty", rule.ID, p.Field), nil
	}
	if p.MinLength > 0 && len(trimmed) < p.MinLength {
		return false, fmt.Sprintf("rule %s: field %s has length %d, requires at least %d",
			rule.ID, p.Field, len(trimmed), p.MinLength), nil
	}
	return true, "", nil
}

// evalCoverage asserts every kind in Values is represented among the
// entity's children. All missing kinds are reported in one message.
func evalCoverage(rule domain.Rule, children []domain.Entity) (bool, string, error) {
	present := make(map[string]bool, len(children))
	for _, child := range children {
		if child.Kind != "" && child.Status != domain.StatusCancelled {
			present[child.Kind] = true
		}
	}
	var missing []string
	for _, kind := range rule.Pattern.Values {
		if !present[kind] {
			missing = append(missing, kind)
		}
	}
	if len(missing) == 0 {
		return true, "", nil
	}
	return false, fmt.Sprintf("rule %s: missing child kinds: %s", rule.ID, strings.Join(missing, ", ")), nil
}

func evalEnumMembership(rule domain.Rule, entity domain.Entity) (bool, string, error) {
	p := rule.Pattern
	value, ok := resolveString(entity, p.Field)
	if ok {
		for _, allowed := range p.Values {
			if value == allowed {
				return true, "", nil
			}
		}
	}
	return false, fmt.Sprintf("rule %s: field %s value %q not in [%s]",
		rule.ID, p.Field, value, strings.Join(p.Values, ", ")), nil
}

// resolveString addresses entity fields by name, falling back to the
// metadata bag.
func resolveString(entity domain.Entity, field string) (string, bool) {
	switch field {
	case "status":
		return string(entity.Status), true
	case "phase":
		if entity.Phase == nil {
			return "", false
		}
		return string(*entity.Phase), true
	case "type":
		return string(entity.Type), true
	case "kind":
		return entity.Kind, entity.Kind != ""
	case "title":
		return entity.Title, true
	case "description":
		return entity.Description, true
	}
	v, ok := entity.Metadata[field]
	return v, ok
}

// resolveNumeric supports derived fields (<name>.length, dependencies.count,
// children.count) and numeric metadata values.
func resolveNumeric(entity domain.Entity, children []domain.Entity, field string) (float64, bool) {
	switch field {
	case "description.length":
		return float64(len(entity.Description)), true
	case "title.length":
		return float64(len(entity.Title)), true
	case "dependencies.count":
		return float64(len(entity.Dependencies)), true
	case "children.count":
		return float64(len(children)), true
	}
	raw, ok := entity.Metadata[field]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func compare(actual float64, operator string, threshold float64) (bool, error) {
	switch operator {
	case "gt":
		return actual > threshold, nil
	case "gte":
		return actual >= threshold, nil
	case "lt":
		return actual < threshold, nil
	case "lte":
		return actual <= threshold, nil
	case "eq":
		return actual == threshold, nil
	case "neq":
		return actual != threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
