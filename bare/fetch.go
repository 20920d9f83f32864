package bare

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// defaultFilterRemote rejects literal IPs that aren't global unicast,
// i.e. loopback/link-local/private ranges, guarding against SSRF via a
// remote whose host is already an address. Only active when blockLocal.
func defaultFilterRemote(blockLocal func() bool) func(*url.URL) *BareError {
	return func(remote *url.URL) *BareError {
		if !blockLocal() {
			return nil
		}
		host := remote.Hostname()
		ip := net.ParseIP(host)
		if ip != nil && (!ip.IsGlobalUnicast() || ip.IsPrivate()) {
			return &BareError{403, "Forbidden", "UNKNOWN", "forbidden IP", ""}
		}
		return nil
	}
}

// defaultLookup wraps the system resolver and, when blockLocal is
// active, drops any resolved address that isn't global unicast or is
// private —
// spec §6.4's SSRF gate for hostnames (as opposed to FilterRemote, the
// gate for literal IPs).
func defaultLookup(blockLocal func() bool) func(hostname, service string, hints ...net.IPAddr) ([]net.IPAddr, error) {
	return func(hostname, service string, hints ...net.IPAddr) ([]net.IPAddr, error) {
		ips, err := net.LookupIP(hostname)
		if err != nil {
			return nil, err
		}

		addrs := make([]net.IPAddr, 0, len(ips))
		for _, ip := range ips {
			if blockLocal() && (!ip.IsGlobalUnicast() || ip.IsPrivate()) {
				continue
			}
			addrs = append(addrs, net.IPAddr{IP: ip})
		}

		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "forbidden IP", Name: hostname, IsNotFound: true}
		}

		return addrs, nil
	}
}

// dialContextWithLookup routes hostname resolution through
// options.Lookup before dialing, so a custom or SSRF-filtering Lookup
// hook actually gates the connection instead of being dead
// configuration (as it was left in the teacher).
func dialContextWithLookup(options *Options) func(ctx context.Context, network, addr string) (net.Conn, error) {
	base := &net.Dialer{
		LocalAddr: getLocalAddr(options.LocalAddress, options.Family),
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		if ip := net.ParseIP(host); ip != nil {
			return base.DialContext(ctx, network, addr)
		}

		if options.Lookup == nil {
			return base.DialContext(ctx, network, addr)
		}

		addrs, err := options.Lookup(host, "")
		if err != nil {
			return nil, err
		}

		var lastErr error
		for _, a := range addrs {
			conn, dialErr := base.DialContext(ctx, network, net.JoinHostPort(a.IP.String(), port))
			if dialErr == nil {
				return conn, nil
			}
			lastErr = dialErr
		}
		if lastErr == nil {
			lastErr = &net.DNSError{Err: "no addresses resolved", Name: host, IsNotFound: true}
		}
		return nil, lastErr
	}
}

// bareFetch issues the outbound HTTP(S) request spec §4.D.1 describes:
// SSRF-checked, context-bound, streaming the inbound body straight
// through. body is nil for methods that carry none (GET/HEAD).
func bareFetch(ctx context.Context, method string, body io.ReadCloser, requestHeaders http.Header, remote *url.URL, options *Options) (*http.Response, *BareError) {
	if options.FilterRemote != nil {
		if err := options.FilterRemote(remote); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, remote.String(), body)
	if err != nil {
		return nil, outgoingError(err)
	}
	req.Header = requestHeaders

	client := clientFor(remote.Scheme, options)

	resp, err := client.Do(req)
	if err != nil {
		return nil, outgoingError(err)
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		resp.Body.Close()
		return nil, &BareError{500, "UPGRADE_UNEXPECTED", "response", "The remote sent an unexpected protocol upgrade.", ""}
	}

	return resp, nil
}

func clientFor(scheme string, options *Options) *http.Client {
	if scheme == "https" {
		if options.httpsAgent != nil {
			return &http.Client{Transport: options.httpsAgent}
		}
	} else if options.httpAgent != nil {
		return &http.Client{Transport: options.httpAgent}
	}
	return &http.Client{}
}

// bareUpgradeFetch performs the v1/v2 WebSocket upstream upgrade,
// returning the remote's 101 response and socket. The v1/v2 handlers
// store that response's headers in the meta record for a later ws-meta
// poll; the client-side handshake has already been answered by the
// upgrader in serveHTTP.
func bareUpgradeFetch(ctx context.Context, requestHeaders http.Header, remote *url.URL, options *Options) (*http.Response, *websocket.Conn, *BareError) {
	if options.FilterRemote != nil {
		if err := options.FilterRemote(remote); err != nil {
			return nil, nil, err
		}
	}

	// Only the scheme token changes for the client library; host/port/
	// path are untouched.
	dialURL := *remote
	switch dialURL.Scheme {
	case "http":
		dialURL.Scheme = "ws"
	case "https":
		dialURL.Scheme = "wss"
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: upgradeTimeout,
		NetDialContext:   dialContextWithLookup(options),
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}

	conn, resp, err := dialer.DialContext(ctx, dialURL.String(), requestHeaders)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, nil, &BareError{500, "UNKNOWN", "response", "The remote did not upgrade the WebSocket.", ""}
		}
		return nil, nil, outgoingError(err)
	}

	return resp, conn, nil
}

// webSocketFetch is v3's upstream dial: resolves to the handshake
// response and the established client socket on open, per spec
// §4.D.3.
func webSocketFetch(ctx context.Context, requestHeaders http.Header, remote *url.URL, protocols []string, options *Options) (*http.Response, *websocket.Conn, *BareError) {
	if options.FilterRemote != nil {
		if err := options.FilterRemote(remote); err != nil {
			return nil, nil, err
		}
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: upgradeTimeout,
		NetDialContext:   dialContextWithLookup(options),
		Subprotocols:     protocols,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}

	conn, resp, err := dialer.DialContext(ctx, remote.String(), requestHeaders)
	if err != nil {
		return nil, nil, outgoingError(err)
	}

	return resp, conn, nil
}

func getLocalAddr(localAddress string, family int) net.Addr {
	if localAddress != "" {
		if ip := net.ParseIP(localAddress); ip != nil {
			if family == 0 || (ip.To4() != nil && family == 4) || (ip.To16() != nil && family == 6) {
				return &net.TCPAddr{IP: ip}
			}
		}
	}
	return nil
}
