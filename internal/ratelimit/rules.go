package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"admission-gateway/internal/common/errors"
	"admission-gateway/internal/common/validation"
)

// CallerClass selects the base rule applied to a caller before adaptation.
type CallerClass int

const (
	Anonymous CallerClass = iota
	Authenticated
	Premium
	APIKey
	Admin
)

var classNames = map[CallerClass]string{
	Anonymous:     "anonymous",
	Authenticated: "authenticated",
	Premium:       "premium",
	APIKey:        "api_key",
	Admin:         "admin",
}

// AllClasses lists every caller class in ascending privilege.
func AllClasses() []CallerClass {
	return []CallerClass{Anonymous, Authenticated, Premium, APIKey, Admin}
}

func (c CallerClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// EnvName is the upper-case form used in environment variable names.
func (c CallerClass) EnvName() string {
	return strings.ToUpper(c.String())
}

func (c CallerClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseCallerClass accepts the names returned by String, case-insensitively.
func ParseCallerClass(s string) (CallerClass, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for class, name := range classNames {
		if name == normalized {
			return class, nil
		}
	}
	return Anonymous, errors.ValidationError(fmt.Sprintf("unknown caller class %q", s))
}

// RateLimitRule is the admission budget for one caller class.
type RateLimitRule struct {
	Limit             int           `json:"limit" validate:"min=1"`
	Window            time.Duration `json:"window" validate:"gt=0"`
	BurstLimit        int           `json:"burst_limit" validate:"min=0"`
	PenaltyMultiplier float64       `json:"penalty_multiplier" validate:"gte=1"`
}

// Validate reports an InvalidRule error for limits below one or empty windows.
func (r RateLimitRule) Validate() error {
	if err := validation.ValidateStruct(r); err != nil {
		return errors.InvalidRuleError(err.Error())
	}
	return nil
}

// DefaultRules returns the built-in per-class budgets.
func DefaultRules() map[CallerClass]RateLimitRule {
	return map[CallerClass]RateLimitRule{
		Anonymous:     {Limit: 60, Window: time.Minute, BurstLimit: 10, PenaltyMultiplier: 2.0},
		Authenticated: {Limit: 300, Window: time.Minute, BurstLimit: 50, PenaltyMultiplier: 1.5},
		Premium:       {Limit: 1000, Window: time.Minute, BurstLimit: 200, PenaltyMultiplier: 1.2},
		APIKey:        {Limit: 5000, Window: time.Minute, BurstLimit: 500, PenaltyMultiplier: 1.2},
		Admin:         {Limit: 10000, Window: time.Minute, BurstLimit: 1000, PenaltyMultiplier: 1.0},
	}
}

// RuleCatalog maps every caller class to its rule. It is read-only after construction.
type RuleCatalog struct {
	rules map[CallerClass]RateLimitRule
}

// NewRuleCatalog validates rules and requires one for every caller class.
func NewRuleCatalog(rules map[CallerClass]RateLimitRule) (*RuleCatalog, error) {
	catalog := &RuleCatalog{rules: make(map[CallerClass]RateLimitRule, len(rules))}

	for _, class := range AllClasses() {
		rule, ok := rules[class]
		if !ok {
			return nil, errors.InvalidRuleError(fmt.Sprintf("no rule configured for caller class %s", class))
		}
		if err := validation.ValidateStruct(rule); err != nil {
			return nil, errors.InvalidRuleError(fmt.Sprintf("rule for caller class %s: %v", class, err)).
				WithContext("caller_class", class.String())
		}
		catalog.rules[class] = rule
	}

	return catalog, nil
}

// Rule returns the base rule for class.
func (c *RuleCatalog) Rule(class CallerClass) (RateLimitRule, error) {
	rule, ok := c.rules[class]
	if !ok {
		return RateLimitRule{}, errors.ValidationError(fmt.Sprintf("unknown caller class %s", class))
	}
	return rule, nil
}
