package bare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// v1RemoteJSON is the remote tuple as v1's WebSocket connect packet
// carries it in its "remote" field (the HTTP path reads the same fields
// from x-bare-{host,port,protocol,path} in v1ReadRemote).
type v1RemoteJSON struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Path     string `json:"path"`
}

// v1ConnectPacket is the percent-decoded JSON carried in v1's
// "Sec-WebSocket-Protocol: bare, <data>" handshake.
type v1ConnectPacket struct {
	Remote         v1RemoteJSON      `json:"remote"`
	Headers        map[string]string `json:"headers"`
	ForwardHeaders []string          `json:"forward_headers"`
	ID             string            `json:"id"`
}

// v1ReadRemote validates the x-bare-{host,port,protocol,path} header
// set, the oldest of the three remote encodings.
func v1ReadRemote(headers http.Header) (Remote, *BareError) {
	host := headers.Get("x-bare-host")
	if host == "" {
		return Remote{}, missingHeader("x-bare-host")
	}

	portRaw := headers.Get("x-bare-port")
	if portRaw == "" {
		return Remote{}, missingHeader("x-bare-port")
	}
	port, ok := ParsePort(portRaw)
	if !ok {
		return Remote{}, invalidHeader("request.headers.x-bare-port", "Invalid port.")
	}

	protocol := headers.Get("x-bare-protocol")
	if protocol == "" {
		return Remote{}, missingHeader("x-bare-protocol")
	}
	if !isValidRemoteProtocol(protocol) {
		return Remote{}, invalidHeader("request.headers.x-bare-protocol", "Invalid protocol.")
	}

	path := headers.Get("x-bare-path")
	if path == "" {
		return Remote{}, missingHeader("x-bare-path")
	}

	return Remote{Protocol: protocol, Host: host, Port: port, Path: path}, nil
}

type v1Parsed struct {
	remote         Remote
	sendHeaders    http.Header
	forwardHeaders []string
}

// v1ReadHeaders parses v1's envelope: the split remote tuple, required
// x-bare-headers, and a required x-bare-forward-headers JSON array. v1
// stays permissive about forbidden forward-header names (spec §9(i)).
func v1ReadHeaders(request *BareRequest) (*v1Parsed, *BareError) {
	headers, jerr := joinHeaders(request.Header)
	if jerr != nil {
		return nil, jerr
	}

	remote, rerr := v1ReadRemote(headers)
	if rerr != nil {
		return nil, rerr
	}

	xBareHeaders := headers.Get("x-bare-headers")
	if xBareHeaders == "" {
		return nil, missingHeader("x-bare-headers")
	}
	sendHeaders, serr := parseSendHeadersJSON(xBareHeaders)
	if serr != nil {
		return nil, serr
	}

	xBareForwardHeaders := headers.Get("x-bare-forward-headers")
	if xBareForwardHeaders == "" {
		return nil, missingHeader("x-bare-forward-headers")
	}
	forwardHeaders, ferr := parseForwardHeadersJSONArray(xBareForwardHeaders)
	if ferr != nil {
		return nil, ferr
	}
	forwardHeaders = append(append([]string{}, defaultForwardHeadersHTTP...), forwardHeaders...)

	return &v1Parsed{remote, sendHeaders, forwardHeaders}, nil
}

func registerV1(server *BareServer) {
	server.Handle("/v1/", func(request *BareRequest, w http.ResponseWriter, options *Options) *BareError {
		parsed, err := v1ReadHeaders(request)
		if err != nil {
			return err
		}

		loadForwardedHeaders(parsed.forwardHeaders, parsed.sendHeaders, request.Request)

		ctx, cancel := exchangeContext(request.Request)
		defer cancel()

		var body io.ReadCloser
		if request.Method != http.MethodGet && request.Method != http.MethodHead {
			body = request.Body
		}

		response, ferr := bareFetch(ctx, request.Method, body, parsed.sendHeaders, RemoteToURL(parsed.remote), options)
		if ferr != nil {
			return ferr
		}

		return writeEnvelopeResponse(w, response, defaultPassHeaders, nil, options.LogErrors)
	})

	server.Handle("/v1/ws-new-meta", func(request *BareRequest, w http.ResponseWriter, options *Options) *BareError {
		id := NewID()
		server.meta.Create(id, 1)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(id))
		return nil
	})

	server.Handle("/v1/ws-meta", func(request *BareRequest, w http.ResponseWriter, options *Options) *BareError {
		id := request.Header.Get("x-bare-id")
		if id == "" {
			return missingHeader("x-bare-id")
		}
		value, ok := server.meta.Consume(id, 1)
		if !ok || value.Response == nil {
			return invalidHeader("request.headers.x-bare-id", "Invalid ID.")
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"headers": value.Response.Headers})
		return nil
	})

	server.HandleSocket("/v1/", func(request *BareRequest, clientConn *websocket.Conn, options *Options) error {
		defer clientConn.Close()

		protocolHeader := request.Header.Get("Sec-WebSocket-Protocol")
		comma := strings.IndexByte(protocolHeader, ',')
		if comma < 0 || strings.TrimSpace(protocolHeader[:comma]) != "bare" {
			return errors.New(`v1 WebSocket connect must offer the "bare" subprotocol`)
		}
		decoded := DecodeProtocol(strings.TrimSpace(protocolHeader[comma+1:]))

		var packet v1ConnectPacket
		if err := json.Unmarshal([]byte(decoded), &packet); err != nil {
			return fmt.Errorf("error unmarshalling v1 connect packet: %w", err)
		}

		remote := Remote{
			Protocol: packet.Remote.Protocol,
			Host:     packet.Remote.Host,
			Port:     packet.Remote.Port,
			Path:     packet.Remote.Path,
		}
		if !isValidRemoteProtocol(remote.Protocol) {
			return fmt.Errorf("invalid remote protocol %q", remote.Protocol)
		}

		sendHeaders := make(http.Header)
		for name, value := range packet.Headers {
			sendHeaders.Set(name, value)
		}
		loadForwardedHeaders(packet.ForwardHeaders, sendHeaders, request.Request)
		sendHeaders.Del("upgrade")
		sendHeaders.Del("connection")

		ctx, cancel := context.WithTimeout(context.Background(), upgradeTimeout)
		defer cancel()

		resp, remoteSocket, berr := bareUpgradeFetch(ctx, sendHeaders, RemoteToURL(remote), options)
		if berr != nil {
			return fmt.Errorf("error establishing remote WebSocket connection: %s", berr.Message)
		}
		defer remoteSocket.Close()

		if packet.ID != "" {
			server.meta.Update(packet.ID, func(v *MetaValue) {
				v.V = 1
				v.Response = &MetaResponse{Headers: remoteHeaderMap(resp.Header)}
			})
		}

		relay(clientConn, remoteSocket, options.LogErrors)
		return nil
	})

	server.versions = append(server.versions, "v1")
}
