package bare

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// validProtocolChar is precomputed once so EncodeProtocol/DecodeProtocol
// don't re-scan a literal character class on every byte.
var validProtocolChar [256]bool

func init() {
	const set = "!#$&'*+-.0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ^_`abcdefghijklmnopqrstuvwxyz|~"
	for i := 0; i < len(set); i++ {
		validProtocolChar[set[i]] = true
	}
	// '%' is the escape marker and is never left unescaped, even though
	// it otherwise reads like a token character.
}

// EncodeProtocol percent-encodes s for embedding inside a
// Sec-WebSocket-Protocol value (v1's envelope framing). Every byte
// outside validProtocolChar, plus '%' itself, becomes %HH lowercase hex.
func EncodeProtocol(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if validProtocolChar[c] {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

// DecodeProtocol reverses EncodeProtocol. A malformed or truncated escape
// is emitted as the raw '%' followed by whatever bytes remain; it never
// panics on short input.
func DecodeProtocol(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c == '%' {
			if i+2 < len(s) {
				hi, okHi := fromHex(s[i+1])
				lo, okLo := fromHex(s[i+2])
				if okHi && okLo {
					b.WriteByte(hi<<4 | lo)
					i += 3
					continue
				}
			}
			b.WriteByte('%')
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// HeaderValue is the tagged variant a BareHeaders entry takes on the
// wire: either a single string or an ordered sequence of strings.
type HeaderValue struct {
	Multi   []string
	IsMulti bool
}

// FlattenHeader joins a multi-value header with RFC 7230 combining;
// single-value headers pass through unchanged.
func FlattenHeader(v HeaderValue) string {
	if !v.IsMulti {
		if len(v.Multi) == 0 {
			return ""
		}
		return v.Multi[0]
	}
	return strings.Join(v.Multi, ", ")
}

// splitHeaders breaks an oversized x-bare-headers value into
// x-bare-headers-0, x-bare-headers-1, ... each capped at maxHeaderValue
// and prefixed with a literal ';' (to defeat middleboxes that trim empty
// header values). Headers other than x-bare-headers pass through
// untouched.
func splitHeaders(headers http.Header) http.Header {
	output := make(http.Header, len(headers))
	for key, values := range headers {
		output[key] = values
	}

	values := headers.Values("x-bare-headers")
	if len(values) == 0 {
		return output
	}

	value := strings.Join(values, ", ")
	if len(value) <= maxHeaderValue {
		return output
	}

	output.Del("x-bare-headers")
	split := 0
	for i := 0; i < len(value); i += maxHeaderValue {
		end := i + maxHeaderValue
		if end > len(value) {
			end = len(value)
		}
		part := value[i:end]
		output.Add("x-bare-headers-"+strconv.Itoa(split), ";"+part)
		split++
	}

	return output
}

// joinHeaders reverses splitHeaders, recombining x-bare-headers-N
// fragments (ascending N) back into a single x-bare-headers value.
func joinHeaders(headers http.Header) (http.Header, *BareError) {
	output := make(http.Header, len(headers))
	for key, values := range headers {
		output[key] = values
	}

	if _, ok := findLower(headers, "x-bare-headers-0"); !ok {
		return output, nil
	}

	var fragments []headerFragment
	for key, values := range headers {
		lower := strings.ToLower(key)
		if !strings.HasPrefix(lower, "x-bare-headers-") {
			continue
		}
		n, err := strconv.Atoi(lower[len("x-bare-headers-"):])
		if err != nil {
			continue
		}
		if len(values) == 0 || !strings.HasPrefix(values[0], ";") {
			return nil, invalidHeader(fmt.Sprintf("request.headers.%s", key), "Value didn't begin with semi-colon.")
		}
		fragments = append(fragments, headerFragment{n, values[0][1:]})
		delete(output, key)
	}

	sortFragments(fragments)

	var joined strings.Builder
	for _, f := range fragments {
		joined.WriteString(f.value)
	}
	output.Set("x-bare-headers", joined.String())

	return output, nil
}

// headerFragment is one x-bare-headers-N chunk, pending reassembly.
type headerFragment struct {
	n     int
	value string
}

func sortFragments(fragments []headerFragment) {
	for i := 1; i < len(fragments); i++ {
		for j := i; j > 0 && fragments[j-1].n > fragments[j].n; j-- {
			fragments[j-1], fragments[j] = fragments[j], fragments[j-1]
		}
	}
}

func findLower(headers http.Header, name string) ([]string, bool) {
	for key, values := range headers {
		if strings.EqualFold(key, name) {
			return values, true
		}
	}
	return nil, false
}
