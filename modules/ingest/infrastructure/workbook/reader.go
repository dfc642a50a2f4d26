// Package workbook reads worksheets from xlsx/xlsm files.
package workbook

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

var unnamedPattern = regexp.MustCompile(`(?i)^Unnamed(:\s*\d+)?$`)

type Reader struct{}

func NewReader() *Reader {
	return &Reader{}
}

func open(path string) (*excelize.File, error) {
	f, err := excelize.OpenFile(path, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	return f, nil
}

func (r *Reader) SheetNames(path string) ([]string, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

// ReadSheet returns the named worksheet. The first non-empty row is the
// header row; blank rows after it are skipped. Cells are raw values except
// date and time formatted numbers, which are rendered as ISO text.
func (r *Reader) ReadSheet(ctx context.Context, path, sheet string, renameLastSubject bool) (*pipeline.Sheet, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read worksheet %q: %w", sheet, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := renderDates(f, sheet, rows); err != nil {
		return nil, fmt.Errorf("failed to read worksheet %q: %w", sheet, err)
	}
	return Clean(sheet, rows, renameLastSubject), nil
}

// Built-in number formats that display a date, a time, or both.
var (
	dateNumFmts = map[int]bool{
		14: true, 15: true, 16: true, 17: true, 22: true,
		27: true, 28: true, 29: true, 30: true, 31: true, 32: true, 33: true, 34: true, 35: true, 36: true,
		50: true, 51: true, 52: true, 53: true, 54: true, 55: true, 56: true, 57: true, 58: true,
	}
	timeNumFmts = map[int]bool{18: true, 19: true, 20: true, 21: true, 45: true, 46: true, 47: true}
)

var fmtNoise = regexp.MustCompile(`"[^"]*"|\[[^\]]*\]|\\.`)

type cellFormat int

const (
	formatPlain cellFormat = iota
	formatDate
	formatTime
)

// customFormat classifies a custom number format code such as "yyyy/m/d" or
// "[$-404]e/m/d". Quoted text, bracketed sections and escapes are ignored.
func customFormat(code string) cellFormat {
	c := strings.ToLower(fmtNoise.ReplaceAllString(code, ""))
	if c == "" || c == "general" || c == "@" {
		return formatPlain
	}
	digits := strings.ContainsAny(c, "0#?")
	switch {
	case strings.ContainsAny(c, "yd"), strings.Contains(c, "e") && !digits:
		return formatDate
	case strings.ContainsAny(c, "hs"):
		return formatTime
	case strings.Contains(c, "m") && !digits:
		return formatDate
	}
	return formatPlain
}

func styleFormat(f *excelize.File, idx int) (cellFormat, error) {
	st, err := f.GetStyle(idx)
	if err != nil {
		return formatPlain, err
	}
	if st.CustomNumFmt != nil {
		return customFormat(*st.CustomNumFmt), nil
	}
	switch {
	case dateNumFmts[st.NumFmt]:
		return formatDate, nil
	case timeNumFmts[st.NumFmt]:
		return formatTime, nil
	}
	return formatPlain, nil
}

// formatSerial renders an Excel serial as "2006-01-02", "2006-01-02 15:04:05",
// or "15:04:05" for a time-only format or a value below one day.
func formatSerial(serial float64, kind cellFormat, date1904 bool) (string, error) {
	t, err := excelize.ExcelDateToTime(serial, date1904)
	if err != nil {
		return "", err
	}
	if kind == formatTime || serial < 1 {
		return t.Format("15:04:05"), nil
	}
	if _, frac := math.Modf(serial); frac == 0 {
		return t.Format("2006-01-02"), nil
	}
	return t.Format("2006-01-02 15:04:05"), nil
}

// renderDates rewrites numeric cells whose style is a date or time format in
// place. Row i of rows is worksheet row i+1.
func renderDates(f *excelize.File, sheet string, rows [][]string) error {
	props, err := f.GetWorkbookProps()
	if err != nil {
		return err
	}
	date1904 := props.Date1904 != nil && *props.Date1904

	formats := map[int]cellFormat{}
	for i, row := range rows {
		for j, v := range row {
			if v == "" {
				continue
			}
			serial, err := strconv.ParseFloat(v, 64)
			if err != nil || serial < 0 {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				return err
			}
			idx, err := f.GetCellStyle(sheet, cell)
			if err != nil {
				return err
			}
			kind, ok := formats[idx]
			if !ok {
				if kind, err = styleFormat(f, idx); err != nil {
					return err
				}
				formats[idx] = kind
			}
			if kind == formatPlain {
				continue
			}
			text, err := formatSerial(serial, kind, date1904)
			if err != nil {
				continue
			}
			rows[i][j] = text
		}
	}
	return nil
}

// CountRows returns the number of non-empty data rows below the header row.
func (r *Reader) CountRows(ctx context.Context, path, sheet string) (int64, error) {
	f, err := open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	it, err := f.Rows(sheet)
	if err != nil {
		return 0, fmt.Errorf("failed to read worksheet %q: %w", sheet, err)
	}
	defer it.Close()

	var n int64
	header := false
	for it.Next() {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		cols, err := it.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return 0, fmt.Errorf("failed to read worksheet %q: %w", sheet, err)
		}
		if blankRow(cols) {
			continue
		}
		if !header {
			header = true
			continue
		}
		n++
	}
	return n, it.Error()
}

// Clean turns raw rows into a Sheet: the header row is the first non-empty
// row, header text is trimmed, blank-named columns without data are dropped,
// and every row is padded or cut to the header width. With renameLastSubject
// the last unnamed column that has data becomes the subject column and the
// other unnamed columns without data are dropped.
func Clean(name string, rows [][]string, renameLastSubject bool) *pipeline.Sheet {
	start := 0
	for start < len(rows) && blankRow(rows[start]) {
		start++
	}
	if start == len(rows) {
		return &pipeline.Sheet{Name: name}
	}

	headers := make([]string, 0, len(rows[start]))
	for _, h := range rows[start] {
		headers = append(headers, strings.TrimSpace(h))
	}
	var data [][]string
	for _, row := range rows[start+1:] {
		if blankRow(row) {
			continue
		}
		data = append(data, row)
	}
	for _, row := range data {
		for len(headers) < len(row) {
			headers = append(headers, "")
		}
	}

	hasData := func(col int) bool {
		for _, row := range data {
			if col < len(row) && hasValue(row[col]) {
				return true
			}
		}
		return false
	}

	keep := make([]int, 0, len(headers))
	for i, h := range headers {
		if h == "" && !hasData(i) {
			continue
		}
		keep = append(keep, i)
	}

	if renameLastSubject {
		unnamed := func(h string) bool { return h == "" || unnamedPattern.MatchString(h) }
		last := -1
		for k := len(keep) - 1; k >= 0; k-- {
			if i := keep[k]; unnamed(headers[i]) && hasData(i) {
				last = i
				break
			}
		}
		if last >= 0 {
			headers[last] = sheetconfig.SubjectColumn
		}
		filtered := keep[:0]
		for _, i := range keep {
			if i != last && unnamed(headers[i]) && !hasData(i) {
				continue
			}
			filtered = append(filtered, i)
		}
		keep = filtered
	}

	out := &pipeline.Sheet{Name: name, Headers: make([]string, len(keep))}
	for k, i := range keep {
		out.Headers[k] = headers[i]
	}
	for _, row := range data {
		cells := make([]string, len(keep))
		for k, i := range keep {
			if i < len(row) {
				cells[k] = row[i]
			}
		}
		out.Rows = append(out.Rows, cells)
	}
	return out
}

func hasValue(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "nan", "None", "NONE", "<NA>", "NaT":
		return false
	}
	return true
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
