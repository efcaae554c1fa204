// Package rules evaluates project-scoped governance rules against an entity
// and a requested transition. Rules are read-only at evaluation time; they
// never mutate the entity.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"workgate/internal/domain"
)

// Store is the rule lookup the engine depends on. Implementations must
// return only enabled rules, ordered by rule id ascending.
type Store interface {
	ListEnabledRules(ctx context.Context, projectID string) ([]domain.Rule, error)
}

// Transition carries the requested move for pattern evaluation.
type Transition struct {
	TargetStatus *domain.Status
	TargetPhase  *domain.Phase
}

// CustomCheck is a registered comparator referenced by pattern kind "custom".
// It returns whether the requirement holds and a detail string for the
// violation message when it does not.
type CustomCheck func(entity domain.Entity, tr Transition) (bool, string)

type cacheEntry struct {
	rules   []domain.Rule
	expires time.Time
}

// Engine loads and evaluates rules. The default mode reloads rules fresh on
// every evaluation; a positive TTL enables the shared cache, which supports
// explicit invalidation so edited rules are never applied stale beyond the
// TTL window.
type Engine struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu     sync.RWMutex
	cache  map[string]cacheEntry
	sf     singleflight.Group
	checks map[string]CustomCheck
}

func New(store Store, ttl time.Duration) *Engine {
	return &Engine{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
		checks: make(map[string]CustomCheck),
	}
}

// RegisterCheck installs a named comparator for custom patterns.
func (e *Engine) RegisterCheck(name string, fn CustomCheck) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks[name] = fn
}

// Invalidate drops the cached rule set for a project. Must be called when
// rules are edited while the cache is enabled.
func (e *Engine) Invalidate(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, projectID)
}

func (e *Engine) load(ctx context.Context, projectID string) ([]domain.Rule, error) {
	if e.ttl <= 0 {
		return e.store.ListEnabledRules(ctx, projectID)
	}
	e.mu.RLock()
	entry, ok := e.cache[projectID]
	e.mu.RUnlock()
	if ok && e.now().Before(entry.expires) {
		return entry.rules, nil
	}
	v, err, _ := e.sf.Do(projectID, func() (any, error) {
		loaded, err := e.store.ListEnabledRules(ctx, projectID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[projectID] = cacheEntry{rules: loaded, expires: e.now().Add(e.ttl)}
		e.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Rule), nil
}

// Evaluate applies every enabled rule to the entity and transition. Children
// are supplied by the caller for coverage patterns. Block violations make the
// result invalid; limit and guide findings ride along as warnings.
func (e *Engine) Evaluate(ctx context.Context, projectID string, entity domain.Entity, children []domain.Entity, tr Transition) (domain.ValidationResult, error) {
	result := domain.NewValidationResult()
	loaded, err := e.load(ctx, projectID)
	if err != nil {
		return result, fmt.Errorf("load rules for %s: %w", projectID, err)
	}
	for _, rule := range loaded {
		if !rule.Enabled {
			continue
		}
		ok, detail, err := e.apply(rule, entity, children, tr)
		if err != nil {
			return result, err
		}
		if ok {
			continue
		}
		result.Add(domain.Violation{
			Source:      rule.ID,
			Enforcement: rule.Enforcement,
			Message:     detail,
			Hint:        rule.Hint,
		})
	}
	return result, nil
}

func (e *Engine) apply(rule domain.Rule, entity domain.Entity, children []domain.Entity, tr Transition) (bool, string, error) {
	switch rule.Pattern.Kind {
	case domain.PatternThreshold:
		return evalThreshold(rule, entity, children)
	case domain.PatternPresence:
		return evalPresence(rule, entity)
	case domain.PatternCoverage:
		return evalCoverage(rule, children)
	case domain.PatternEnumMembership:
		return evalEnumMembership(rule, entity)
	case domain.PatternCustom:
		e.mu.RLock()
		check, ok := e.checks[rule.Pattern.Check]
		e.mu.RUnlock()
		if !ok {
			return false, "", fmt.Errorf("rule %s: unknown custom check %q", rule.ID, rule.Pattern.Check)
		}
		pass, detail := check(entity, tr)
		if pass {
			return true, "", nil
		}
		if detail == "" {
			detail = fmt.Sprintf("custom check %s failed", rule.Pattern.Check)
		}
		return false, fmt.Sprintf("rule %s: %s", rule.ID, detail), nil
	default:
		return false, "", fmt.Errorf("rule %s: unknown pattern kind %q", rule.ID, rule.Pattern.Kind)
	}
}
