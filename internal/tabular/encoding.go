package tabular

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText converts data from the named character encoding to UTF-8.
// Labels follow the WHATWG encoding standard ("utf-8", "windows-1252",
// "iso-8859-1", "utf-16le", "shift_jis", ...). A leading byte order mark is
// removed.
//
// UTF-8 input is checked strictly: invalid sequences fail with
// MalformedEncoding instead of being replaced.
func decodeText(data []byte, label string) ([]byte, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "utf-8"
	}

	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, &ParseError{Kind: UnsupportedFormat, Err: fmt.Errorf("unknown encoding %q", label)}
	}

	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		data = bytes.TrimPrefix(data, utf8BOM)
		if off := invalidUTF8Offset(data); off >= 0 {
			return nil, &ParseError{
				Kind: MalformedEncoding,
				Line: bytes.Count(data[:off], []byte{'\n'}) + 1,
				Err:  fmt.Errorf("invalid UTF-8 byte 0x%02x at offset %d", data[off], off),
			}
		}
		return data, nil
	}

	out, _, err := transform.Bytes(unicode.BOMOverride(enc.NewDecoder()), data)
	if err != nil {
		return nil, &ParseError{Kind: MalformedEncoding, Err: fmt.Errorf("decode %s: %w", label, err)}
	}
	return out, nil
}

// invalidUTF8Offset returns the offset of the first invalid byte, or -1.
func invalidUTF8Offset(data []byte) int {
	if utf8.Valid(data) {
		return -1
	}
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}
