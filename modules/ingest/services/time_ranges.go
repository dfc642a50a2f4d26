package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

var strftimeDirectives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "1",
	'd': "2",
	'H': "15",
	'I': "3",
	'M': "4",
	'S': "5",
	'f': "000000",
	'p': "PM",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'j': "002",
	'z': "-0700",
	'Z': "MST",
	'%': "%",
}

// StrftimeLayout translates a strftime format such as "%Y/%m/%d %H:%M" to a
// time.Parse layout. Numeric fields accept values with or without zero padding.
func StrftimeLayout(format string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			b.WriteByte(format[i])
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("dangling %% in time format %q", format)
		}
		i++
		layout, ok := strftimeDirectives[format[i]]
		if !ok {
			return "", fmt.Errorf("unsupported directive %%%c in time format %q", format[i], format)
		}
		b.WriteString(layout)
	}
	return b.String(), nil
}

// parseRangeValue returns ok=false for empty values. With a layout the text
// must match it; otherwise ISO dates, timestamps and Excel serials are accepted.
func parseRangeValue(v any, layout string) (time.Time, bool, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return t, true, nil
	}
	text, ok := textOf(v)
	if !ok || strings.EqualFold(text, "nan") {
		return time.Time{}, false, nil
	}
	if layout != "" {
		t, err := time.Parse(layout, text)
		if err != nil {
			if serial, ok := excelSerial(text); ok {
				return serial, true, nil
			}
			return time.Time{}, false, err
		}
		return t, true, nil
	}
	if t, ok := parseTimestamp(text); ok {
		return t, true, nil
	}
	return time.Time{}, false, fmt.Errorf("not an ISO date or timestamp")
}

// DeriveRanges returns the single [min, max] range covered by column across
// rows, or nothing when the column is unset or every value is empty.
func DeriveRanges(rows []map[string]any, column, format string) ([]pipeline.TimeRange, error) {
	if column == "" {
		return nil, nil
	}
	layout := ""
	if format != "" {
		var err error
		if layout, err = StrftimeLayout(format); err != nil {
			return nil, err
		}
	}

	var rng pipeline.TimeRange
	found := false
	for idx, row := range rows {
		t, ok, err := parseRangeValue(row[column], layout)
		if err != nil {
			text, _ := textOf(row[column])
			return nil, fmt.Errorf("Invalid %s value in row %d: '%s'", column, idx+1, text)
		}
		if !ok {
			continue
		}
		if !found || t.Before(rng.Start) {
			rng.Start = t
		}
		if !found || t.After(rng.End) {
			rng.End = t
		}
		found = true
	}
	if !found {
		return nil, nil
	}
	return []pipeline.TimeRange{rng}, nil
}
