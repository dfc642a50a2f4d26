package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/schema"
)

type valueKind int

const (
	kindText valueKind = iota
	kindDate
	kindTimestamp
	kindDecimal
	kindInteger
)

func kindOf(sqlType string) valueKind {
	if strings.TrimSpace(sqlType) == "" {
		return kindText
	}
	base := schema.ParseType(sqlType).Base
	switch {
	case base == "date":
		return kindDate
	case strings.HasPrefix(base, "timestamp"):
		return kindTimestamp
	case strings.HasPrefix(base, "numeric"), base == "real", base == "double precision", base == "float8", base == "float4":
		return kindDecimal
	case base == "integer", base == "bigint", base == "smallint":
		return kindInteger
	}
	return kindText
}

var dateReplacer = strings.NewReplacer("年", "-", "月", "-", "日", "", "/", "-", ".", "-")

// Tried in order after delimiters are normalized to "-".
var dateLayouts = []string{"2006-1-2", "2-1-2006", "2006-2-1", "1-2-2006"}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z0700",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Excel serials are accepted as dates only between 1900-03-01 and 2200-12-31.
// Date serials must also be whole days.
const (
	minExcelSerial = 61
	maxExcelSerial = 109939
)

func textOf(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	default:
		s := strings.TrimSpace(fmt.Sprint(t))
		return s, s != ""
	}
}

func excelSerial(text string) (time.Time, bool) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f < minExcelSerial || f > maxExcelSerial {
		return time.Time{}, false
	}
	t, err := excelize.ExcelDateToTime(f, false)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseDate(text string) (time.Time, bool) {
	if t, ok := excelSerial(text); ok && t.Equal(t.Truncate(24*time.Hour)) {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	norm := dateReplacer.Replace(text)
	if i := strings.IndexAny(norm, " T"); i > 0 {
		norm = norm[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, norm); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse("20060102", norm); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func parseTimestamp(text string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	if t, ok := excelSerial(text); ok {
		return t, true
	}
	return time.Time{}, false
}

func parseDecimal(text string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(text, ",", ""))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func parseInteger(text string) (int64, bool) {
	text = strings.ReplaceAll(text, ",", "")
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, true
	}
	d, err := decimal.NewFromString(text)
	if err != nil || !d.IsInteger() {
		return 0, false
	}
	return d.IntPart(), true
}

// coerce converts a staged value to the Go value written for kind. Only the
// empty string is nil for text; typed kinds also treat blank input as nil.
// The returned message names column when parsing fails.
func coerce(column string, kind valueKind, v any) (any, string) {
	if kind == kindText {
		if v == nil || v == "" {
			return nil, ""
		}
		return v, ""
	}
	text, ok := textOf(v)
	if !ok {
		return nil, ""
	}
	switch kind {
	case kindDate:
		if t, ok := parseDate(text); ok {
			return t, ""
		}
		return nil, fmt.Sprintf("%s: invalid date %q", column, text)
	case kindTimestamp:
		if t, ok := parseTimestamp(text); ok {
			return t, ""
		}
		return nil, fmt.Sprintf("%s: invalid timestamp %q", column, text)
	case kindDecimal:
		if d, ok := parseDecimal(text); ok {
			return d, ""
		}
		return nil, fmt.Sprintf("%s: invalid decimal %q", column, text)
	case kindInteger:
		if n, ok := parseInteger(text); ok {
			return n, ""
		}
		return nil, fmt.Sprintf("%s: invalid integer %q", column, text)
	}
	return v, ""
}
