package core

import (
	"fmt"
	"time"
)

// FieldError describes a single validation failure on a rule field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LocationResolver looks up an IANA timezone by name. The default is
// [time.LoadLocation]; tests inject their own to avoid depending on the host
// timezone database.
type LocationResolver func(name string) (*time.Location, error)

// Validator checks rules structurally and semantically. The zero value uses
// [time.LoadLocation] to verify timezone names.
type Validator struct {
	Locations LocationResolver
}

// ValidateRule validates a complete rule using the default timezone database.
// An empty result means the rule is valid.
func ValidateRule(rule Rule) []FieldError {
	return Validator{}.Validate(rule)
}

// Validate returns every field-level problem found on the rule. It never
// panics on malformed data; an empty result means the rule is valid.
//
// Callers updating an existing rule should merge the patch into the stored
// rule first and validate the merged result, so partial updates are held to
// the same invariants as creations.
func (v Validator) Validate(rule Rule) []FieldError {
	var errs []FieldError

	if rule.ProductID == "" {
		errs = append(errs, FieldError{Field: "product_id", Message: "is required"})
	}
	if rule.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if rule.Priority < 0 {
		errs = append(errs, FieldError{Field: "priority", Message: "must be >= 0"})
	}
	if !rule.Type.Valid() {
		errs = append(errs, FieldError{Field: "rule_type", Message: fmt.Sprintf("unknown rule type %q", rule.Type)})
	}
	if !rule.State.Valid() {
		errs = append(errs, FieldError{Field: "state", Message: fmt.Sprintf("unknown state %q", rule.State)})
	}

	if rule.StartDate != nil && rule.EndDate != nil && rule.EndDate.Before(*rule.StartDate) {
		errs = append(errs, FieldError{Field: "end_date", Message: "must not be before start_date"})
	}

	switch rule.Type {
	case RuleTypeSeasonal:
		errs = append(errs, v.validateSeasonal(rule)...)
	case RuleTypeTimeBased:
		errs = append(errs, v.validateTimeRestrictions(rule)...)
	}

	if rule.State == StatePreOrder && rule.Enabled {
		errs = append(errs, validatePreOrder(rule.PreOrder)...)
	}

	return errs
}

func (v Validator) validateSeasonal(rule Rule) []FieldError {
	cfg := rule.Seasonal
	if cfg == nil {
		// Absence is a validation error, never a silent default.
		return []FieldError{{Field: "seasonal_config", Message: "is required for seasonal rules"}}
	}

	var errs []FieldError
	errs = append(errs, validateMonthDay("seasonal_config.start", cfg.StartMonth, cfg.StartDay)...)
	errs = append(errs, validateMonthDay("seasonal_config.end", cfg.EndMonth, cfg.EndDay)...)

	if !cfg.Yearly && rule.StartDate == nil {
		// A non-yearly window needs an anchor year, derived from start_date.
		errs = append(errs, FieldError{Field: "start_date", Message: "is required when seasonal_config.yearly is false"})
	}

	if err := v.checkTimezone(cfg.Timezone); err != nil {
		errs = append(errs, FieldError{Field: "seasonal_config.timezone", Message: err.Error()})
	}

	return errs
}

func (v Validator) validateTimeRestrictions(rule Rule) []FieldError {
	times := rule.Times
	if times == nil {
		return []FieldError{{Field: "time_restrictions", Message: "is required for time_based rules"}}
	}

	var errs []FieldError
	if len(times.DaysOfWeek) == 0 {
		errs = append(errs, FieldError{Field: "time_restrictions.days_of_week", Message: "must not be empty"})
	}
	for _, day := range times.DaysOfWeek {
		if day < 0 || day > 6 {
			errs = append(errs, FieldError{
				Field:   "time_restrictions.days_of_week",
				Message: fmt.Sprintf("day %d out of range [0,6]", day),
			})
		}
	}

	if _, ok := parseClock(times.StartTime); !ok {
		errs = append(errs, FieldError{Field: "time_restrictions.start_time", Message: `must be "HH:MM"`})
	}
	if _, ok := parseClock(times.EndTime); !ok {
		errs = append(errs, FieldError{Field: "time_restrictions.end_time", Message: `must be "HH:MM"`})
	}

	if err := v.checkTimezone(times.Timezone); err != nil {
		errs = append(errs, FieldError{Field: "time_restrictions.timezone", Message: err.Error()})
	}

	return errs
}

func validatePreOrder(cfg *PreOrderSettings) []FieldError {
	if cfg == nil {
		return []FieldError{{Field: "pre_order_settings", Message: "is required to enable a pre_order rule"}}
	}

	var errs []FieldError
	if cfg.Message == "" {
		errs = append(errs, FieldError{Field: "pre_order_settings.message", Message: "is required to enable a pre_order rule"})
	}
	if cfg.ExpectedDeliveryDate == nil {
		errs = append(errs, FieldError{Field: "pre_order_settings.expected_delivery_date", Message: "is required to enable a pre_order rule"})
	}
	if cfg.MaxQuantity != nil && *cfg.MaxQuantity < 1 {
		errs = append(errs, FieldError{Field: "pre_order_settings.max_quantity", Message: "must be >= 1"})
	}
	if cfg.RequireDeposit {
		if cfg.DepositAmount == nil || !cfg.DepositAmount.IsPositive() {
			errs = append(errs, FieldError{Field: "pre_order_settings.deposit_amount", Message: "must be a positive amount when a deposit is required"})
		}
	}

	return errs
}

// validateMonthDay checks a calendar-pattern month/day pair. The day is
// validated against the month's maximum; February caps at 28 because a
// recurring Feb 29 window would silently skip most years.
func validateMonthDay(field string, month, day int) []FieldError {
	var errs []FieldError
	if month < 1 || month > 12 {
		errs = append(errs, FieldError{Field: field + "_month", Message: fmt.Sprintf("month %d out of range [1,12]", month)})
		return errs
	}
	if day < 1 || day > maxDayOfMonth(month) {
		errs = append(errs, FieldError{
			Field:   field + "_day",
			Message: fmt.Sprintf("day %d invalid for month %d", day, month),
		})
	}
	return errs
}

func maxDayOfMonth(month int) int {
	switch time.Month(month) {
	case time.February:
		return 28
	case time.April, time.June, time.September, time.November:
		return 30
	default:
		return 31
	}
}

func (v Validator) checkTimezone(name string) error {
	if name == "" {
		return nil // UTC
	}
	resolve := v.Locations
	if resolve == nil {
		resolve = time.LoadLocation
	}
	if _, err := resolve(name); err != nil {
		return fmt.Errorf("unknown timezone %q", name)
	}
	return nil
}
