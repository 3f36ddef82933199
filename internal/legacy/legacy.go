// Package legacy converts an external catalog's ad hoc visibility flags
// (hidden/pre-order booleans and dates) into availability rule drafts.
//
// The conversion is one-way and side-effect free: drafts are not persisted
// here. Callers run them through validation and the bulk processor, and an
// admin completes any draft emitted in a disabled state.
package legacy

import (
	"time"

	"github.com/storekit/availz/internal/core"
)

// HiddenRulePriority is the sentinel priority for migrated hidden rules, high
// enough to override other migrated drafts until an admin edits it.
const HiddenRulePriority = 1000

// Flags is the raw visibility shape of the external catalog system.
type Flags struct {
	IsHidden          bool       `json:"is_hidden"`
	IsPreorder        bool       `json:"is_preorder"`
	PreorderStartDate *time.Time `json:"preorder_start_date,omitempty"`
	PreorderEndDate   *time.Time `json:"preorder_end_date,omitempty"`
}

// FromLegacy translates one product's legacy flags into zero, one, or two
// rule drafts.
//
// A hidden flag becomes an unbounded hidden rule at the sentinel priority,
// marked to override the external catalog's own visibility. A pre-order flag
// becomes a date-bounded pre_order rule with a settings stub; because the
// stub lacks a message and delivery date, the draft is emitted disabled and
// stays disabled until an admin completes it.
func FromLegacy(productID string, flags Flags) []core.Rule {
	var drafts []core.Rule

	if flags.IsHidden {
		rule := core.NewDateRangeRule(productID, "Hidden (migrated)", core.StateHidden, HiddenRulePriority, nil, nil)
		rule.OverrideSquare = true
		drafts = append(drafts, rule)
	}

	if flags.IsPreorder {
		rule := core.NewDateRangeRule(productID, "Pre-order (migrated)", core.StatePreOrder, 0,
			flags.PreorderStartDate, flags.PreorderEndDate)
		rule.PreOrder = &core.PreOrderSettings{}
		rule.Enabled = false
		drafts = append(drafts, rule)
	}

	return drafts
}
