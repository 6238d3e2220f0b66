package tabular

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// ParseXLSX reads the first worksheet of a workbook. Its first row is the
// header. Other sheets are listed in SkippedSheets and otherwise ignored.
func ParseXLSX(data []byte) (*RawTable, error) {
	if len(data) == 0 {
		return nil, &ParseError{Kind: EmptyFile, Err: errors.New("file is empty")}
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Kind: MalformedFile, Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &ParseError{Kind: EmptyFile, Err: errors.New("workbook has no sheets")}
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, &ParseError{Kind: MalformedFile, Err: err}
	}

	conv := newCellConverter(f, sheet)

	table := &RawTable{
		Format:        FormatXLSX,
		Sheet:         sheet,
		SkippedSheets: sheets[1:],
	}

	headerFound := false
	for i, raw := range rows {
		line := i + 1
		cells := make([]string, len(raw))
		for j, v := range raw {
			cells[j] = conv.value(j+1, line, v)
		}
		if isBlank(cells) {
			continue
		}
		if !headerFound {
			headerFound = true
			table.HeaderLine = line
			table.Headers = headerNames(cells, len(cells))
			continue
		}
		table.Rows = append(table.Rows, fitRow(line, cells, len(table.Headers)))
	}

	if !headerFound {
		return nil, &ParseError{Kind: EmptyFile, Err: errors.New("first sheet has no data")}
	}
	if table.Rows == nil {
		table.Rows = []Row{}
	}

	return table, nil
}

// cellConverter stringifies raw cell values. Numbers lose any display
// formatting; cells styled as dates become ISO-8601.
type cellConverter struct {
	f        *excelize.File
	sheet    string
	date1904 bool
	isDate   map[int]bool
}

func newCellConverter(f *excelize.File, sheet string) *cellConverter {
	c := &cellConverter{f: f, sheet: sheet, isDate: make(map[int]bool)}
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		c.date1904 = *props.Date1904
	}
	return c
}

func (c *cellConverter) value(col, row int, raw string) string {
	if raw == "" {
		return raw
	}
	num, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}

	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return raw
	}
	typ, err := c.f.GetCellType(c.sheet, cell)
	if err != nil {
		return raw
	}

	switch typ {
	case excelize.CellTypeBool:
		if num != 0 {
			return "true"
		}
		return "false"
	case excelize.CellTypeUnset, excelize.CellTypeNumber:
	default:
		// Text that happens to look numeric, like a zip code.
		return raw
	}

	if style, err := c.f.GetCellStyle(c.sheet, cell); err == nil && c.dateStyle(style) {
		if t, err := excelize.ExcelDateToTime(num, c.date1904); err == nil {
			return formatSheetTime(t)
		}
	}

	// Whole numbers keep every digit; float64 only holds 53 bits.
	if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return raw
	}
	return strconv.FormatFloat(num, 'f', -1, 64)
}

func (c *cellConverter) dateStyle(idx int) bool {
	if idx == 0 {
		return false
	}
	if v, ok := c.isDate[idx]; ok {
		return v
	}

	v := false
	if style, err := c.f.GetStyle(idx); err == nil && style != nil {
		if style.CustomNumFmt != nil {
			v = isDateFormatCode(*style.CustomNumFmt)
		} else {
			v = isBuiltinDateFormat(style.NumFmt)
		}
	}
	c.isDate[idx] = v
	return v
}

// isBuiltinDateFormat covers the date and time formats Excel predefines,
// including the East Asian variants.
func isBuiltinDateFormat(id int) bool {
	switch {
	case id >= 14 && id <= 22:
		return true
	case id >= 27 && id <= 36:
		return true
	case id >= 45 && id <= 47:
		return true
	case id >= 50 && id <= 58:
		return true
	}
	return false
}

// isDateFormatCode reports whether a custom number format renders a date.
// Quoted literals, escapes and bracketed sections are ignored.
func isDateFormatCode(code string) bool {
	var b strings.Builder
	inQuote, inBracket := false, false
	for i := 0; i < len(code); i++ {
		ch := code[i]
		switch {
		case inQuote:
			inQuote = ch != '"'
		case inBracket:
			inBracket = ch != ']'
		case ch == '"':
			inQuote = true
		case ch == '[':
			inBracket = true
		case ch == '\\' || ch == '_' || ch == '*':
			i++
		default:
			b.WriteByte(ch)
		}
	}
	s := strings.ToLower(b.String())
	return strings.ContainsAny(s, "yd") || strings.Contains(s, "h:") || strings.Contains(s, "m:s")
}

func formatSheetTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02T15:04:05")
}
