package common_test

import (
	"testing"
	"time"

	"github.com/ledgerworks/export-service/internal/common"
)

func TestValidateTableName(t *testing.T) {
	t.Parallel()

	valid := []string{"payments", "bank_transactions", "_staging", "t2", "A_B_c"}
	for _, name := range valid {
		if err := common.ValidateTableName(name); err != nil {
			t.Errorf("ValidateTableName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		"1bad;DROP",
		"2fast",
		"pay-ments",
		"payments; drop table users",
		"payments ",
		`pay"ments`,
		"schema.payments",
	}
	for _, name := range invalid {
		if err := common.ValidateTableName(name); !common.IsValidation(err) {
			t.Errorf("ValidateTableName(%q) = %v, want validation error", name, err)
		}
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	got, err := common.ParseDate("date_from", "2024-01-31")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if !got.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseDate = %v", got)
	}

	for _, bad := range []string{"", "31/01/2024", "2024-13-01", "yesterday"} {
		if _, err := common.ParseDate("date_from", bad); !common.IsValidation(err) {
			t.Errorf("ParseDate(%q) = %v, want validation error", bad, err)
		}
	}
}

func TestValidateDateRange(t *testing.T) {
	t.Parallel()

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	if err := common.ValidateDateRange(from, to); err != nil {
		t.Fatalf("valid range rejected: %v", err)
	}
	if err := common.ValidateDateRange(from, from); err != nil {
		t.Fatalf("single-day range rejected: %v", err)
	}
	if err := common.ValidateDateRange(to, from); !common.IsValidation(err) {
		t.Fatalf("inverted range accepted: %v", err)
	}
}
