package bare

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeProtocolRoundTrip(t *testing.T) {
	cases := []string{
		`{"remote":{"host":"example.com","port":443,"protocol":"https:","path":"/"},"headers":{},"forward_headers":[],"id":"abc123"}`,
		"",
		"already-safe-value",
		"has space and % percent",
	}
	for _, raw := range cases {
		encoded := EncodeProtocol(raw)
		require.Equal(t, raw, DecodeProtocol(encoded))
	}
}

func TestEncodeProtocolEscapesDisallowedChars(t *testing.T) {
	encoded := EncodeProtocol(`{"a":1}`)
	require.NotContains(t, encoded, `{`)
	require.NotContains(t, encoded, `"`)
	require.Contains(t, encoded, "%7b")
}

func TestDecodeProtocolTruncatedEscape(t *testing.T) {
	// A '%' with no following hex pair must not panic, and decoding
	// stops rather than throwing, per spec's explicit allowance.
	require.Equal(t, "%", DecodeProtocol("%"))
	require.Equal(t, "%a", DecodeProtocol("%a"))
	require.Equal(t, "ok%", DecodeProtocol("ok%"))
}

func TestSplitJoinHeadersRoundTrip(t *testing.T) {
	big := strings.Repeat("a", maxHeaderValue*2+500)

	headers := make(http.Header)
	headers.Set("x-bare-headers", big)
	headers.Set("content-type", "application/json")

	split := splitHeaders(headers)
	require.Empty(t, split.Values("x-bare-headers"))
	require.NotEmpty(t, split.Values("x-bare-headers-0"))
	require.NotEmpty(t, split.Values("x-bare-headers-1"))
	require.Equal(t, "application/json", split.Get("content-type"))

	joined, err := joinHeaders(split)
	require.Nil(t, err)
	require.Equal(t, big, joined.Get("x-bare-headers"))
	require.Empty(t, joined.Values("x-bare-headers-0"))
}

func TestSplitHeadersLeavesSmallValueAlone(t *testing.T) {
	headers := make(http.Header)
	headers.Set("x-bare-headers", `{"a":"b"}`)

	split := splitHeaders(headers)
	require.Equal(t, `{"a":"b"}`, split.Get("x-bare-headers"))
	require.Empty(t, split.Values("x-bare-headers-0"))
}

func TestJoinHeadersRejectsFragmentWithoutSemicolon(t *testing.T) {
	headers := make(http.Header)
	headers.Set("x-bare-headers-0", "no-leading-semicolon")

	_, berr := joinHeaders(headers)
	require.NotNil(t, berr)
	require.Equal(t, "INVALID_BARE_HEADER", berr.Code)
}

func TestJoinHeadersPassesThroughWithoutFragments(t *testing.T) {
	headers := make(http.Header)
	headers.Set("x-bare-headers", `{"a":"b"}`)

	joined, berr := joinHeaders(headers)
	require.Nil(t, berr)
	require.Equal(t, `{"a":"b"}`, joined.Get("x-bare-headers"))
}

func TestFlattenHeader(t *testing.T) {
	require.Equal(t, "", FlattenHeader(HeaderValue{}))
	require.Equal(t, "solo", FlattenHeader(HeaderValue{Multi: []string{"solo"}}))
	require.Equal(t, "a, b", FlattenHeader(HeaderValue{Multi: []string{"a", "b"}, IsMulti: true}))
}
