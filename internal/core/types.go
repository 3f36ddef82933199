// Package core implements the availability rule engine: deciding which rules
// apply to a product at an instant, resolving conflicts between them, and
// computing when the effective state next changes.
//
// Everything in this package is a pure function of its inputs. There is no
// I/O, no clock access, and no shared mutable state, so all functions are safe
// for concurrent use.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the single value describing whether and how a product can be seen
// or bought at an instant.
type State string

const (
	StateAvailable  State = "available"
	StatePreOrder   State = "pre_order"
	StateViewOnly   State = "view_only"
	StateHidden     State = "hidden"
	StateComingSoon State = "coming_soon"
	StateSoldOut    State = "sold_out"
	StateRestricted State = "restricted"
)

// Valid reports whether s is one of the known availability states.
func (s State) Valid() bool {
	switch s {
	case StateAvailable, StatePreOrder, StateViewOnly, StateHidden,
		StateComingSoon, StateSoldOut, StateRestricted:
		return true
	}
	return false
}

// RuleType selects which condition a rule evaluates and which config payload
// is meaningful on it.
type RuleType string

const (
	RuleTypeDateRange RuleType = "date_range"
	RuleTypeSeasonal  RuleType = "seasonal"
	RuleTypeInventory RuleType = "inventory"
	RuleTypeCustom    RuleType = "custom"
	RuleTypeTimeBased RuleType = "time_based"
)

// Valid reports whether t is one of the known rule types.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeDateRange, RuleTypeSeasonal, RuleTypeInventory, RuleTypeCustom, RuleTypeTimeBased:
		return true
	}
	return false
}

// specificity ranks rule types for conflict resolution. An absolute date range
// is the most deliberate override; a custom predicate the least.
func (t RuleType) specificity() int {
	switch t {
	case RuleTypeDateRange:
		return 4
	case RuleTypeTimeBased:
		return 3
	case RuleTypeSeasonal:
		return 2
	case RuleTypeInventory:
		return 1
	default:
		return 0
	}
}

// SeasonalConfig describes a recurring month/day window, such as a holiday
// season. The window may wrap the year boundary (Dec 20 through Jan 5).
type SeasonalConfig struct {
	StartMonth int    `json:"start_month"`
	StartDay   int    `json:"start_day"`
	EndMonth   int    `json:"end_month"`
	EndDay     int    `json:"end_day"`
	Yearly     bool   `json:"yearly"`
	Timezone   string `json:"timezone,omitempty"`
}

// TimeRestrictions limits a rule to certain weekdays and a time-of-day window.
// Weekdays are numbered 0 (Sunday) through 6 (Saturday). Times are "HH:MM"
// strings in the named timezone; the window may wrap past midnight.
type TimeRestrictions struct {
	DaysOfWeek []int  `json:"days_of_week"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Timezone   string `json:"timezone,omitempty"`
}

// PreOrderSettings carries the storefront presentation for a pre_order state.
type PreOrderSettings struct {
	Message              string           `json:"message"`
	ExpectedDeliveryDate *time.Time       `json:"expected_delivery_date,omitempty"`
	MaxQuantity          *int             `json:"max_quantity,omitempty"`
	RequireDeposit       bool             `json:"require_deposit"`
	DepositAmount        *decimal.Decimal `json:"deposit_amount,omitempty"`
}

// ViewOnlySettings carries the storefront presentation for a view_only state.
// A nil Message means the storefront default applies.
type ViewOnlySettings struct {
	Message             *string `json:"message,omitempty"`
	ShowPrice           bool    `json:"show_price"`
	AllowWishlist       bool    `json:"allow_wishlist"`
	NotifyWhenAvailable bool    `json:"notify_when_available"`
}

// Rule is a time-scoped assertion that a product should be in a given state
// under stated conditions.
//
// The config pointers are gated by Type: Seasonal must be set iff
// Type == seasonal, Times iff Type == time_based. ValidateRule enforces this
// and Matcher fails closed when the invariant is broken. The New*Rule
// constructors build rules that hold it by construction.
type Rule struct {
	ID        string   `json:"id"`
	ProductID string   `json:"product_id"`
	Name      string   `json:"name"`
	Enabled   bool     `json:"enabled"`
	Priority  int      `json:"priority"`
	Type      RuleType `json:"rule_type"`
	State     State    `json:"state"`

	// Absolute bounds, both inclusive. Nil means unbounded on that side.
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	Seasonal *SeasonalConfig   `json:"seasonal_config,omitempty"`
	Times    *TimeRestrictions `json:"time_restrictions,omitempty"`
	PreOrder *PreOrderSettings `json:"pre_order_settings,omitempty"`
	ViewOnly *ViewOnlySettings `json:"view_only_settings,omitempty"`

	// OverrideSquare tells the downstream catalog sync that this rule wins
	// over the external catalog's own visibility flags. The engine itself
	// never reads it.
	OverrideSquare bool `json:"override_square"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// NewDateRangeRule builds an enabled date_range rule. Either bound may be nil.
func NewDateRangeRule(productID, name string, state State, priority int, start, end *time.Time) Rule {
	return Rule{
		ProductID: productID,
		Name:      name,
		Enabled:   true,
		Priority:  priority,
		Type:      RuleTypeDateRange,
		State:     state,
		StartDate: start,
		EndDate:   end,
	}
}

// NewSeasonalRule builds an enabled seasonal rule carrying its config.
func NewSeasonalRule(productID, name string, state State, priority int, cfg SeasonalConfig) Rule {
	return Rule{
		ProductID: productID,
		Name:      name,
		Enabled:   true,
		Priority:  priority,
		Type:      RuleTypeSeasonal,
		State:     state,
		Seasonal:  &cfg,
	}
}

// NewTimeBasedRule builds an enabled time_based rule carrying its restrictions.
func NewTimeBasedRule(productID, name string, state State, priority int, times TimeRestrictions) Rule {
	return Rule{
		ProductID: productID,
		Name:      name,
		Enabled:   true,
		Priority:  priority,
		Type:      RuleTypeTimeBased,
		State:     state,
		Times:     &times,
	}
}

// Context carries caller-supplied inputs that some rule types depend on.
// The engine never computes these itself: inventory thresholds and custom
// predicates belong to external collaborators.
type Context struct {
	// BelowThreshold is the inventory collaborator's verdict. An inventory
	// rule matches only when this is present and true.
	BelowThreshold *bool `json:"below_threshold,omitempty"`

	// CustomMatch decides custom rules. When nil, custom rules never match.
	CustomMatch func(rule Rule, at time.Time) bool `json:"-"`
}

// StateChange is a computed future transition: at instant At the product's
// effective state becomes State because of Rule.
type StateChange struct {
	At    time.Time `json:"at"`
	State State     `json:"state"`
	Rule  *Rule     `json:"rule,omitempty"`
}

// Evaluation is the engine's answer to "what is this product's state now".
type Evaluation struct {
	ProductID    string `json:"product_id"`
	CurrentState State  `json:"current_state"`

	// AppliedRules lists every rule that matched at the instant, winner
	// first, so callers can see why the state is what it is.
	AppliedRules []Rule    `json:"applied_rules"`
	ComputedAt   time.Time `json:"computed_at"`

	NextStateChange *StateChange `json:"next_state_change,omitempty"`
}

// Resolution names the strategy that decided a conflict between
// simultaneously matching rules.
type Resolution string

const (
	// ResolutionPriority means a higher priority won outright.
	ResolutionPriority Resolution = "priority"
	// ResolutionDate means equal priorities were split by rule type
	// specificity, with absolute date ranges ranked most specific.
	ResolutionDate Resolution = "date"
	// ResolutionManual means the deterministic last-resort ID order decided;
	// the rules are otherwise indistinguishable and merit admin review.
	ResolutionManual Resolution = "manual"
)

// Conflict records two rules that matched the same instant with contested
// precedence, and how the engine broke the tie.
type Conflict struct {
	At         time.Time  `json:"at"`
	RuleID     string     `json:"rule_id"`
	OtherID    string     `json:"other_id"`
	Resolution Resolution `json:"resolution"`
}

// PreviewEntry is one transition in a preview timeline.
type PreviewEntry struct {
	Date  time.Time `json:"date"`
	State State     `json:"state"`
	Rule  *Rule     `json:"rule,omitempty"`
}

// Preview is a resolved timeline of a product's future states over a window,
// with the conflicts detected along the way.
type Preview struct {
	ProductID    string         `json:"product_id"`
	CurrentState State          `json:"current_state"`
	FutureStates []PreviewEntry `json:"future_states"`
	Conflicts    []Conflict     `json:"conflicts"`
}
