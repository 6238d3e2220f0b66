package core

// convert.go turns cleaned cell text into typed Values.
//
// Parsing is locale-invariant: '.' is the decimal separator and ',' is only
// accepted as a well-formed thousands separator. Dates are tried as ISO-8601
// first, then against a fixed list of common spreadsheet layouts.

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JonMunkholm/dataimport/internal/schema"
)

// numericRegex validates a number after cleanup: integers, decimals and
// scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// groupedRegex matches digits grouped in threes by commas.
var groupedRegex = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d*)?$`)

// TwoDigitYearPivot controls how two-digit years are read. A year that would
// land more than this many years in the future is moved back a century.
var TwoDigitYearPivot = 20

// now is replaced in tests.
var now = time.Now

var (
	isoLayouts = []string{
		"2006-01-02",
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
	}
	fourDigitYearLayouts = []string{
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"2006/01/02", "2006.01.02",
		"Jan 2, 2006", "January 2, 2006", "2 Jan 2006", "2 January 2006",
		"20060102",
	}
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
)

var (
	trueTokens  = []string{"true", "t", "yes", "y", "1", "on"}
	falseTokens = []string{"false", "f", "no", "n", "0", "off"}
)

// CleanCell strips whitespace and Excel's ="..." text wrapper.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 3 && strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		s = strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}

// TextCell returns the content of a string field. Excel's ="..." wrapper
// is removed; spaces that belong to the value are kept.
func TextCell(s string) string {
	t := strings.TrimSpace(s)
	if len(t) >= 3 && strings.HasPrefix(t, `="`) && strings.HasSuffix(t, `"`) {
		return t[2 : len(t)-1]
	}
	return s
}

// Coerce converts a non-empty cleaned cell into a Value for field f.
// A non-nil issue is returned when the text is unparseable or out of bounds.
func Coerce(f schema.FieldSpec, cell string) (Value, *RowIssue) {
	switch f.Kind {
	case schema.KindString:
		n := utf8.RuneCountInString(cell)
		if issue := checkBounds(f, float64(n), "length"); issue != nil {
			return Value{}, issue
		}
		return StringValue(cell), nil

	case schema.KindInt:
		i, err := ParseInt(cell)
		if err != nil {
			return Value{}, formatIssue(f, cell, "must be a whole number")
		}
		if issue := checkBounds(f, float64(i), "value"); issue != nil {
			return Value{}, issue
		}
		return IntValue(i), nil

	case schema.KindFloat:
		x, err := ParseFloat(cell)
		if err != nil {
			return Value{}, formatIssue(f, cell, "must be a number")
		}
		if issue := checkBounds(f, x, "value"); issue != nil {
			return Value{}, issue
		}
		return FloatValue(x), nil

	case schema.KindBool:
		b, err := ParseBool(cell)
		if err != nil {
			return Value{}, formatIssue(f, cell, "must be one of true/false, yes/no, 1/0")
		}
		return BoolValue(b), nil

	case schema.KindDate:
		t, err := ParseDate(cell)
		if err != nil {
			return Value{}, formatIssue(f, cell, "must be a date such as 2024-01-15")
		}
		return DateValue(t), nil

	case schema.KindEnum:
		for _, allowed := range f.EnumValues {
			if strings.EqualFold(cell, allowed) {
				return EnumValue(allowed), nil
			}
		}
		return Value{}, formatIssue(f, cell, "must be one of "+strings.Join(f.EnumValues, ", "))
	}

	return Value{}, formatIssue(f, cell, fmt.Sprintf("unsupported kind %q", f.Kind))
}

func formatIssue(f schema.FieldSpec, cell, msg string) *RowIssue {
	return &RowIssue{
		Field:   f.Name,
		Code:    IssueInvalidFormat,
		Value:   cell,
		Message: fmt.Sprintf("%s %s", f.Name, msg),
	}
}

func checkBounds(f schema.FieldSpec, x float64, what string) *RowIssue {
	if f.Min != nil && x < *f.Min || f.Max != nil && x > *f.Max {
		return &RowIssue{
			Field:   f.Name,
			Code:    IssueOutOfRange,
			Message: fmt.Sprintf("%s %s %s", f.Name, what, describeBounds(f.Min, f.Max)),
		}
	}
	return nil
}

func describeBounds(lo, hi *float64) string {
	format := func(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }
	switch {
	case lo != nil && hi != nil:
		return fmt.Sprintf("must be between %s and %s", format(*lo), format(*hi))
	case lo != nil:
		return "must be at least " + format(*lo)
	default:
		return "must be at most " + format(*hi)
	}
}

// normalizeNumber removes currency symbols and thousands separators and
// turns accounting negatives "(12.50)" into "-12.50".
func normalizeNumber(s string) string {
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer("$", "", "€", "", "£", "").Replace(s)
	s = strings.TrimSpace(s)

	if groupedRegex.MatchString(s) {
		s = strings.ReplaceAll(s, ",", "")
	}
	if negative && !strings.HasPrefix(s, "-") {
		s = "-" + strings.TrimPrefix(s, "+")
	}
	return s
}

// ParseFloat parses a locale-invariant decimal number.
func ParseFloat(s string) (float64, error) {
	n := normalizeNumber(s)
	if !numericRegex.MatchString(n) {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	x, err := strconv.ParseFloat(n, 64)
	if err != nil || math.IsInf(x, 0) {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return x, nil
}

// ParseInt parses a whole number. Values written with a zero fraction or an
// exponent ("12.0", "1e3") are accepted when they are exactly integral.
func ParseInt(s string) (int64, error) {
	n := normalizeNumber(s)
	if i, err := strconv.ParseInt(strings.TrimPrefix(n, "+"), 10, 64); err == nil {
		return i, nil
	}
	x, err := ParseFloat(n)
	if err != nil || x != math.Trunc(x) || x >= math.MaxInt64 || x < math.MinInt64 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return int64(x), nil
}

// ParseBool accepts true/false, t/f, yes/no, y/n, 1/0 and on/off in any case.
func ParseBool(s string) (bool, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, tok := range trueTokens {
		if s == tok {
			return true, nil
		}
	}
	for _, tok := range falseTokens {
		if s == tok {
			return false, nil
		}
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// ParseDate parses ISO-8601 dates and timestamps, then the fallback layouts.
// Two-digit years are resolved against TwoDigitYearPivot.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	pivot := now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivot {
				t = t.AddDate(-100, 0, 0)
			}
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid date %q", s)
}
