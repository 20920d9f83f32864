package bare

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Remote is the target server a tunnel request is addressed to: a
// protocol/host/port/path tuple. v1/v2 carry it split across four
// headers; v3 carries it as a single URL string, parsed into the same
// shape.
type Remote struct {
	Protocol string
	Host     string
	Port     int
	Path     string
}

func defaultPort(protocol string) int {
	switch protocol {
	case "http:", "ws:":
		return 80
	case "https:", "wss:":
		return 443
	default:
		return 0
	}
}

// RemoteToURL renders a Remote as the URL bareFetch/webSocketFetch dial.
func RemoteToURL(r Remote) *url.URL {
	u, _ := url.Parse(fmt.Sprintf("%s//%s:%d%s", r.Protocol, r.Host, r.Port, r.Path))
	return u
}

// URLToRemote extracts the protocol/host/port/path tuple from a parsed
// URL, resolving the scheme's default port when none is explicit.
func URLToRemote(u *url.URL) (Remote, error) {
	port := defaultPort(u.Scheme + ":")
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Remote{}, fmt.Errorf("invalid port %q", p)
		}
		port = n
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return Remote{
		Protocol: u.Scheme + ":",
		Host:     u.Hostname(),
		Port:     port,
		Path:     path,
	}, nil
}

// ParsePort validates a port supplied as either a JSON number or a
// numeric string, per spec's [1,65535] range.
func ParsePort(value string) (int, bool) {
	value = strings.TrimSpace(value)
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	if n < 1 || n > 65535 {
		return 0, false
	}
	return n, true
}

var validRemoteProtocols = map[string]bool{
	"http:":  true,
	"https:": true,
	"ws:":    true,
	"wss:":   true,
}

func isValidRemoteProtocol(p string) bool {
	return validRemoteProtocols[p]
}
