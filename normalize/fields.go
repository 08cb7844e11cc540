package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/providers"
)

// text returns the first non-blank value among paths, rendering numbers
// without exponent.
func text(raw core.RawRecord, paths ...string) string {
	for _, path := range paths {
		switch typed := providers.Lookup(raw, path).(type) {
		case string:
			if trimmed := strings.TrimSpace(typed); trimmed != "" {
				return trimmed
			}
		case json.Number:
			return typed.String()
		case float64:
			return strconv.FormatFloat(typed, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(typed)
		}
	}
	return ""
}

func requiredText(raw core.RawRecord, paths ...string) (string, error) {
	if value := text(raw, paths...); value != "" {
		return value, nil
	}
	return "", core.NewNormalizationError("normalize: missing required field", paths[0], nil)
}

// amount reads the first present money value among paths.
func amount(raw core.RawRecord, paths ...string) (decimal.Decimal, bool, error) {
	for _, path := range paths {
		value := providers.Lookup(raw, path)
		if value == nil {
			continue
		}
		var (
			parsed decimal.Decimal
			err    error
		)
		switch typed := value.(type) {
		case json.Number:
			parsed, err = decimal.NewFromString(typed.String())
		case float64:
			parsed = decimal.NewFromFloat(typed)
		case string:
			if strings.TrimSpace(typed) == "" {
				continue
			}
			parsed, err = decimal.NewFromString(strings.TrimSpace(typed))
		default:
			err = fmt.Errorf("unsupported amount type %T", value)
		}
		if err != nil {
			return decimal.Decimal{}, false, core.NewNormalizationError("normalize: invalid amount", path, err)
		}
		return parsed, true, nil
	}
	return decimal.Decimal{}, false, nil
}

func requiredAmount(raw core.RawRecord, paths ...string) (decimal.Decimal, error) {
	value, ok, err := amount(raw, paths...)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !ok {
		return decimal.Decimal{}, core.NewNormalizationError("normalize: missing required amount", paths[0], nil)
	}
	return value, nil
}

func optionalAmount(raw core.RawRecord, fallback decimal.Decimal, paths ...string) (decimal.Decimal, error) {
	value, ok, err := amount(raw, paths...)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !ok {
		return fallback, nil
	}
	return value, nil
}

func date(raw core.RawRecord, paths ...string) (*time.Time, error) {
	for _, path := range paths {
		value := text(raw, path)
		if value == "" {
			continue
		}
		parsed, ok := core.ParseProviderTime(value)
		if !ok {
			return nil, core.NewNormalizationError("normalize: invalid date", path, nil)
		}
		return &parsed, nil
	}
	return nil, nil
}

func requiredDate(raw core.RawRecord, paths ...string) (time.Time, error) {
	value, err := date(raw, paths...)
	if err != nil {
		return time.Time{}, err
	}
	if value == nil {
		return time.Time{}, core.NewNormalizationError("normalize: missing required date", paths[0], nil)
	}
	return *value, nil
}

// updatedAt is advisory, so an unparseable value is dropped rather than
// failing the record.
func updatedAt(raw core.RawRecord, paths ...string) *time.Time {
	value, err := date(raw, paths...)
	if err != nil {
		return nil
	}
	return value
}

// signed applies direction to the magnitude of value.
func signed(value decimal.Decimal, direction core.TransactionDirection) decimal.Decimal {
	if direction == core.DirectionDebit {
		return value.Abs().Neg()
	}
	return value.Abs()
}

func directionOf(value decimal.Decimal) core.TransactionDirection {
	if value.IsNegative() {
		return core.DirectionDebit
	}
	return core.DirectionCredit
}
