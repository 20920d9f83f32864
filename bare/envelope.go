package bare

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// These lists are shared by all three wire versions; spec §4.F calls
// them out as invariant across v1/v2/v3 (forbidden-send always applies,
// forbidden-forward/-pass apply to v2/v3 — v1 stays permissive on
// forward per the Open Question resolved in DESIGN.md).
var (
	forbiddenSendHeaders    = []string{"connection", "content-length", "transfer-encoding"}
	forbiddenForwardHeaders = []string{"connection", "transfer-encoding", "host", "origin", "referer"}
	forbiddenPassHeaders    = []string{
		"vary", "connection", "transfer-encoding",
		"access-control-allow-headers", "access-control-allow-methods",
		"access-control-expose-headers", "access-control-max-age",
		"access-control-request-headers", "access-control-request-method",
	}

	defaultForwardHeadersHTTP = []string{"accept-encoding", "accept-language"}
	defaultForwardHeadersWS  = []string{
		"accept-encoding", "accept-language",
		"sec-websocket-extensions", "sec-websocket-key", "sec-websocket-version",
	}
	defaultPassHeaders = []string{"content-encoding", "content-length", "last-modified"}

	defaultCacheForwardHeaders = []string{"if-modified-since", "if-none-match", "cache-control"}
	defaultCachePassHeaders    = []string{"cache-control", "etag"}
)

var commaListSplit = regexp.MustCompile(`,\s*`)

func containsFold(list []string, target string) bool {
	for _, item := range list {
		if strings.EqualFold(item, target) {
			return true
		}
	}
	return false
}

func containsInt(list []int, target int) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

// hasCacheQuery reports whether the request opted into cache mode via a
// bare "?cache" query flag (presence, not value — "?cache=0" still
// opts in, matching how browsers build this URL from a boolean).
func hasCacheQuery(r *http.Request) bool {
	_, ok := r.URL.Query()["cache"]
	return ok
}

// parseSendHeadersJSON decodes x-bare-headers' JSON object into an
// http.Header, silently dropping any name in forbiddenSendHeaders and
// rejecting any value that isn't a string or array of strings.
func parseSendHeadersJSON(raw string) (http.Header, *BareError) {
	var jsonHeaders map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &jsonHeaders); err != nil {
		return nil, invalidHeader("request.headers.x-bare-headers", "Header contained invalid JSON.")
	}

	sendHeaders := make(http.Header)
	for header, value := range jsonHeaders {
		if containsFold(forbiddenSendHeaders, header) {
			continue
		}
		switch v := value.(type) {
		case string:
			sendHeaders.Set(header, v)
		case []interface{}:
			for _, item := range v {
				str, ok := item.(string)
				if !ok {
					return nil, invalidHeader(fmt.Sprintf("bare.headers.%s", header), "Header value must be a string or an array of strings.")
				}
				sendHeaders.Add(header, str)
			}
		default:
			return nil, invalidHeader(fmt.Sprintf("bare.headers.%s", header), "Header value must be a string or an array of strings.")
		}
	}
	return sendHeaders, nil
}

// loadForwardedHeaders copies each named inbound header, if present,
// into target.
func loadForwardedHeaders(forward []string, target http.Header, r *http.Request) {
	for _, header := range forward {
		if value := r.Header.Get(header); value != "" {
			target.Set(header, value)
		}
	}
}

func parseCommaList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := commaListSplit.Split(raw, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseForwardHeadersList parses a comma-separated x-bare-forward-headers
// value (v2/v3), rejecting any forbidden name.
func parseForwardHeadersList(raw string) ([]string, *BareError) {
	var out []string
	for _, header := range parseCommaList(raw) {
		if containsFold(forbiddenForwardHeaders, header) {
			return nil, forbiddenHeader("request.headers.x-bare-forward-headers", "A forbidden header was forwarded.")
		}
		out = append(out, header)
	}
	return out, nil
}

// parseForwardHeadersJSONArray parses v1's required x-bare-forward-headers
// JSON array. v1 stays permissive about forbidden names (spec §9 Open
// Question i).
func parseForwardHeadersJSONArray(raw string) ([]string, *BareError) {
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, invalidHeader("request.headers.x-bare-forward-headers", "Header contained invalid JSON.")
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.ToLower(n))
	}
	return out, nil
}

// parsePassHeadersList parses a comma-separated x-bare-pass-headers
// value (v2/v3), rejecting any forbidden name.
func parsePassHeadersList(raw string) ([]string, *BareError) {
	var out []string
	for _, header := range parseCommaList(raw) {
		if containsFold(forbiddenPassHeaders, header) {
			return nil, forbiddenHeader("request.headers.x-bare-pass-headers", "A forbidden header was passed.")
		}
		out = append(out, header)
	}
	return out, nil
}

// parsePassStatusList parses a comma-separated x-bare-pass-status value
// (v2/v3) into a list of int status codes.
func parsePassStatusList(raw string) ([]int, *BareError) {
	var out []int
	for _, value := range parseCommaList(raw) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, invalidHeader("request.headers.x-bare-pass-status", "Array contained non-number value.")
		}
		out = append(out, n)
	}
	return out, nil
}

// remoteHeaderMap shapes a remote's response headers the way both the
// envelope's x-bare-headers field and a v1/v2 meta record's
// response.headers carry them: set-cookie keeps its multi-value array
// shape, everything else flattens to a single string.
func remoteHeaderMap(headers http.Header) map[string]interface{} {
	m := make(map[string]interface{}, len(headers))
	for header, values := range headers {
		if strings.EqualFold(header, "set-cookie") {
			m[header] = values
		} else {
			m[header] = strings.Join(values, ", ")
		}
	}
	return m
}

// remoteHeaderJSON marshals remoteHeaderMap for embedding in the
// envelope's x-bare-headers response header.
func remoteHeaderJSON(headers http.Header) (string, error) {
	b, err := json.Marshal(remoteHeaderMap(headers))
	return string(b), err
}

// hasNoBody reports whether status (per spec §4.F) never carries a
// response body regardless of cache mode.
func hasNoBody(status int) bool {
	switch status {
	case http.StatusSwitchingProtocols, http.StatusNoContent, http.StatusResetContent, cacheNotModified:
		return true
	default:
		return false
	}
}

// writeEnvelopeResponse renders an upstream *http.Response as the
// envelope HTTP reply spec §4.F describes, then closes resp.Body.
func writeEnvelopeResponse(w http.ResponseWriter, resp *http.Response, passHeaders []string, passStatus []int, logErrors bool) *BareError {
	defer resp.Body.Close()

	responseHeaders := make(http.Header)
	for _, header := range passHeaders {
		if value := resp.Header.Get(header); value != "" {
			responseHeaders.Set(header, value)
		}
	}

	status := http.StatusOK
	if containsInt(passStatus, resp.StatusCode) {
		status = resp.StatusCode
	}

	if status != cacheNotModified {
		responseHeaders.Set("x-bare-status", strconv.Itoa(resp.StatusCode))
		responseHeaders.Set("x-bare-status-text", resp.Status)

		headersJSON, err := remoteHeaderJSON(resp.Header)
		if err != nil {
			return unknownError(err, logErrors)
		}
		responseHeaders.Set("x-bare-headers", headersJSON)
	}

	for key, values := range splitHeaders(responseHeaders) {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(status)

	if !hasNoBody(status) {
		io.Copy(w, resp.Body)
	}

	return nil
}
