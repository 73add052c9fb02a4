package params

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/moqsien/gkasync/utils/errs"
)

// Values maps a name to its values in arrival order.
type Values map[string][]string

// Get returns the first value of name and whether name is present at all.
func (that Values) Get(name string) (string, bool) {
	vs, ok := that[name]
	if !ok {
		return "", false
	}
	if len(vs) == 0 {
		return "", true
	}
	return vs[0], true
}

// lookupEncoding resolves an IANA charset name. The empty name is ISO-8859-1.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "":
		return charmap.ISO8859_1, nil
	case "utf-8", "utf8":
		return unicode.UTF8, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("charset %q: %w", name, errs.ErrUnsupportedOp)
	}
	return enc, nil
}

// Decode parses a form-encoded body or query string. Names without "=" get an empty
// value, pairs with an empty name are skipped, and so are pairs that do not decode.
func Decode(raw []byte, charset string) (Values, error) {
	vs := Values{}
	_, err := decodeInto(raw, charset, func(name, value string) {
		vs[name] = append(vs[name], value)
	})
	return vs, err
}

// DecodeChunks is Decode over a body delivered in pieces; a pair may span pieces.
func DecodeChunks(chunks [][]byte, charset string) (Values, error) {
	return Decode(bytes.Join(chunks, nil), charset)
}

// decodeInto calls add for every decoded pair and returns how many were skipped.
func decodeInto(raw []byte, charset string, add func(name, value string)) (skipped int, err error) {
	enc, err := lookupEncoding(charset)
	if err != nil {
		return 0, err
	}
	dec := enc.NewDecoder()
	for len(raw) > 0 {
		var pair []byte
		if i := bytes.IndexByte(raw, '&'); i >= 0 {
			pair, raw = raw[:i], raw[i+1:]
		} else {
			pair, raw = raw, nil
		}
		name, value := pair, []byte(nil)
		if i := bytes.IndexByte(pair, '='); i >= 0 {
			name, value = pair[:i], pair[i+1:]
		}
		if len(name) == 0 {
			continue
		}
		n, err1 := unescape(dec, enc, name)
		v, err2 := unescape(dec, enc, value)
		if err1 != nil || err2 != nil {
			skipped++
			continue
		}
		add(n, v)
	}
	return skipped, nil
}

func unescape(dec *encoding.Decoder, enc encoding.Encoding, b []byte) (string, error) {
	s, err := url.QueryUnescape(string(b))
	if err != nil {
		return "", err
	}
	if enc == unicode.UTF8 {
		if !utf8.ValidString(s) {
			return "", errInvalidText
		}
		return s, nil
	}
	if isASCII(s) {
		return s, nil
	}
	return dec.String(s)
}

var errInvalidText = errors.New("invalid utf-8")

func isASCII(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r >= utf8.RuneSelf }) < 0
}
