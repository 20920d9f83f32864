package bare

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer() *BareServer {
	return NewBareServer("/", &Options{})
}

// newTestServerAllowingLocal builds a server with the default SSRF guard
// explicitly disabled, for tests that tunnel to a local httptest upstream
// (which binds to 127.0.0.1, and so is rejected by the default guard).
func newTestServerAllowingLocal() *BareServer {
	allow := false
	return NewBareServer("/", &Options{BlockLocal: &allow})
}

func TestOptionsPreflightReturnsCorsHeaders(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("access-control-allow-origin"))
}

func TestManifestGetReturnsInstanceInfo(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var manifest BareManifest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&manifest))
	require.Equal(t, LanguageGo, manifest.Language)
	require.ElementsMatch(t, []string{"v1", "v2", "v3"}, manifest.Versions)
}

func TestUnknownServiceReturns404WithUnknownCode(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/no-such-route")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var be BareError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&be))
	require.Equal(t, "UNKNOWN", be.Code)
}

func TestOutsideMountPrefixReturnsPlain404(t *testing.T) {
	server := NewBareServer("/bare/", &Options{})
	defer server.Close()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/elsewhere")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestV1TunnelProxiesRequestAndEnvelopesResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Foo", "Bar")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hi"))
	}))
	defer upstream.Close()

	server := newTestServerAllowingLocal()
	defer server.Close()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	upstreamURL := upstream.Listener.Addr().String()
	host, port := splitHostPort(t, upstreamURL)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/", nil)
	require.NoError(t, err)
	req.Header.Set("x-bare-host", host)
	req.Header.Set("x-bare-port", port)
	req.Header.Set("x-bare-protocol", "http:")
	req.Header.Set("x-bare-path", "/")
	req.Header.Set("x-bare-headers", `{"User-Agent":"t"}`)
	req.Header.Set("x-bare-forward-headers", `[]`)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "200", resp.Header.Get("x-bare-status"))
	require.Equal(t, "200 OK", resp.Header.Get("x-bare-status-text"))
	require.Contains(t, resp.Header.Get("x-bare-headers"), `"X-Foo":"Bar"`)
}

func TestV1TunnelMissingHeaderIsRejected(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/", nil)
	require.NoError(t, err)
	// x-bare-host deliberately omitted.
	req.Header.Set("x-bare-port", "443")
	req.Header.Set("x-bare-protocol", "https:")
	req.Header.Set("x-bare-path", "/")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var be BareError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&be))
	require.Equal(t, "MISSING_BARE_HEADER", be.Code)
}

func TestV1TunnelBlockLocalDefaultsOnAndRejectsLoopback(t *testing.T) {
	// BlockLocal is left unset: the documented default is to block, not
	// to require an explicit opt-in.
	server := NewBareServer("/", &Options{})
	defer server.Close()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/", nil)
	require.NoError(t, err)
	req.Header.Set("x-bare-host", "127.0.0.1")
	req.Header.Set("x-bare-port", "80")
	req.Header.Set("x-bare-protocol", "http:")
	req.Header.Set("x-bare-path", "/")
	req.Header.Set("x-bare-headers", `{}`)
	req.Header.Set("x-bare-forward-headers", `[]`)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var be BareError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&be))
	require.Equal(t, "Forbidden", be.Code)
}

func TestV1TunnelBlockLocalFalseAllowsLoopback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	server := newTestServerAllowingLocal()
	defer server.Close()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	host, port := splitHostPort(t, upstream.Listener.Addr().String())

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/", nil)
	require.NoError(t, err)
	req.Header.Set("x-bare-host", host)
	req.Header.Set("x-bare-port", port)
	req.Header.Set("x-bare-protocol", "http:")
	req.Header.Set("x-bare-path", "/")
	req.Header.Set("x-bare-headers", `{}`)
	req.Header.Set("x-bare-forward-headers", `[]`)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "200", resp.Header.Get("x-bare-status"))
}

func splitHostPort(t *testing.T, addr string) (string, string) {
	t.Helper()
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	t.Fatalf("no port in address %q", addr)
	return "", ""
}
