package postgres

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// decimalFromText parses a NUMERIC column scanned as text.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Decimal{}, fmt.Errorf("numeric value required")
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return parsed, nil
}

// decimalFromNullable parses an optional NUMERIC column scanned as text.
func decimalFromNullable(value sql.NullString) (*decimal.Decimal, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return nil, nil
	}
	parsed, err := decimalFromText(value.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// nullableDecimal renders an optional decimal as a SQL argument.
func nullableDecimal(ptr *decimal.Decimal) any {
	if ptr == nil {
		return nil
	}
	return ptr.String()
}

// nullableTime renders an optional timestamp as a SQL argument.
func nullableTime(ptr *time.Time) any {
	if ptr == nil {
		return nil
	}
	return ptr.UTC()
}

// timePtr converts a nullable timestamptz scan target to a *time.Time.
func timePtr(value pgtype.Timestamptz) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

// nullableString renders an optional string as a SQL argument.
func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

// clampLimit bounds a caller-provided limit to (0, maximum], applying the
// fallback when unset.
func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
