package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// CSVConfig controls CSV decoding.
type CSVConfig struct {
	Delimiter      rune   `json:"delimiter"`
	Encoding       string `json:"encoding"`
	Header         bool   `json:"header"`
	SkipEmptyLines bool   `json:"skipEmptyLines"`
}

// DefaultCSVConfig returns comma-separated UTF-8 with a header row and blank
// lines dropped.
func DefaultCSVConfig() CSVConfig {
	return CSVConfig{
		Delimiter:      ',',
		Encoding:       "utf-8",
		Header:         true,
		SkipEmptyLines: true,
	}
}

// ParseDelimiter converts a user-supplied delimiter. Besides single
// characters it accepts the names "comma", "semicolon", "tab" and "pipe"
// and the escape "\t".
func ParseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "", ",", "comma":
		return ',', nil
	case ";", "semicolon":
		return ';', nil
	case "\t", `\t`, "tab":
		return '\t', nil
	case "|", "pipe":
		return '|', nil
	}
	r := []rune(s)
	if len(r) != 1 || !validDelimiter(r[0]) {
		return 0, &ParseError{Kind: UnsupportedFormat, Err: fmt.Errorf("invalid delimiter %q", s)}
	}
	return r[0], nil
}

func validDelimiter(r rune) bool {
	return r != 0 && r != '"' && r != '\r' && r != '\n' && r != 0xFFFD
}

// csvLine is a record read from the source before header extraction.
type csvLine struct {
	line  int
	cells []string
	blank bool
}

// ParseCSV decodes CSV data.
//
// Row line numbers always refer to the original file, so a row reported at
// line 7 is on line 7 even when blank lines before it were dropped. With
// SkipEmptyLines off, blank lines between records become rows with no cells.
// Blank lines at the end of the file are never rows.
func ParseCSV(data []byte, cfg CSVConfig) (*RawTable, error) {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ','
	}
	if !validDelimiter(cfg.Delimiter) {
		return nil, &ParseError{Kind: UnsupportedFormat, Err: fmt.Errorf("invalid delimiter %q", cfg.Delimiter)}
	}
	if len(data) == 0 {
		return nil, &ParseError{Kind: EmptyFile, Err: errors.New("file is empty")}
	}

	text, err := decodeText(data, cfg.Encoding)
	if err != nil {
		return nil, err
	}

	lines, err := readCSVLines(text, cfg)
	if err != nil {
		return nil, err
	}

	first := -1
	for i, l := range lines {
		if !l.blank {
			first = i
			break
		}
	}
	if first < 0 {
		return nil, &ParseError{Kind: EmptyFile, Err: errors.New("file has no data")}
	}

	table := &RawTable{Format: FormatCSV}
	body := lines[first:]

	if cfg.Header {
		table.HeaderLine = body[0].line
		table.Headers = headerNames(body[0].cells, len(body[0].cells))
		body = body[1:]
	} else {
		width := 0
		for _, l := range body {
			width = max(width, len(l.cells))
		}
		table.Headers = headerNames(nil, width)
	}

	table.Rows = make([]Row, 0, len(body))
	for _, l := range body {
		if l.blank && cfg.SkipEmptyLines {
			continue
		}
		cells := l.cells
		if l.blank {
			cells = nil
		}
		table.Rows = append(table.Rows, fitRow(l.line, cells, len(table.Headers)))
	}

	return table, nil
}

func readCSVLines(text []byte, cfg CSVConfig) ([]csvLine, error) {
	idx := newLineIndex(text)

	r := csv.NewReader(bytes.NewReader(text))
	r.Comma = cfg.Delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var out []csvLine
	next := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			line := 0
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				line = perr.StartLine
			}
			return nil, &ParseError{Kind: MalformedFile, Line: line, Err: err}
		}

		line, _ := r.FieldPos(0)

		// encoding/csv drops empty lines silently; put them back so the
		// blank-line policy applies to them too.
		for l := next; l < line; l++ {
			out = append(out, csvLine{line: l, blank: true})
		}
		next = idx.lineAt(r.InputOffset()-1) + 1

		out = append(out, csvLine{line: line, cells: record, blank: isBlank(record)})
	}

	return out, nil
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(text []byte) lineIndex {
	starts := lineIndex{0}
	for i, b := range text {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func (li lineIndex) lineAt(offset int64) int {
	return sort.Search(len(li), func(i int) bool { return int64(li[i]) > offset })
}
