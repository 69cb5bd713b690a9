package common

import (
	"regexp"
	"time"
)

// tableNameRe is the strict identifier grammar for source table names:
// letters, digits and underscores, not digit-first. This is the security
// boundary against injection into the range-scan query, which has to splice
// the identifier into SQL text.
var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidTableName reports whether name satisfies the identifier grammar.
func ValidTableName(name string) bool {
	return tableNameRe.MatchString(name)
}

// ValidateTableName returns a validation error for names outside the grammar.
func ValidateTableName(name string) error {
	if name == "" {
		return ValidationError("table_name is required")
	}
	if !ValidTableName(name) {
		return ValidationErrorf("invalid table name: %q", name)
	}
	return nil
}

// DateLayout is the wire format for date_from/date_to.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, ValidationErrorf("%s is required", field)
	}
	t, err := time.ParseInLocation(DateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, ValidationErrorf("%s: invalid date %q, use YYYY-MM-DD", field, value)
	}
	return t, nil
}

// ValidateDateRange enforces from <= to.
func ValidateDateRange(from, to time.Time) error {
	if from.After(to) {
		return ValidationError("date_from cannot be after date_to")
	}
	return nil
}
