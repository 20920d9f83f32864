package bare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// SocketClientToServer is v3's first-frame connect packet: {type:
// "connect", remote, protocols, headers, forwardHeaders}.
type SocketClientToServer struct {
	Type           string            `json:"type"`
	Remote         string            `json:"remote"`
	Protocols      []string          `json:"protocols"`
	Headers        map[string]string `json:"headers"`
	ForwardHeaders []string          `json:"forwardHeaders"`
}

// SocketServerToClient is v3's reply to a successful connect:
// {type: "open", protocol, setCookies}.
type SocketServerToClient struct {
	Type       string   `json:"type"`
	Protocol   string   `json:"protocol"`
	SetCookies []string `json:"setCookies"`
}

type v3Parsed struct {
	remote         Remote
	sendHeaders    http.Header
	passHeaders    []string
	passStatus     []int
	forwardHeaders []string
}

// v3ReadHeaders parses the v3 envelope's x-bare-url/x-bare-headers and
// optional pass/forward/cache controls. x-bare-url carries the remote as
// a single URL string, parsed into the same Remote shape v1/v2 split
// across four headers, so all three versions validate and dial through
// the same tuple.
func v3ReadHeaders(request *BareRequest) (*v3Parsed, *BareError) {
	passHeaders := append([]string{}, defaultPassHeaders...)
	var passStatus []int
	forwardHeaders := append([]string{}, defaultForwardHeadersHTTP...)

	if hasCacheQuery(request.Request) {
		passHeaders = append(passHeaders, defaultCachePassHeaders...)
		passStatus = append(passStatus, cacheNotModified)
		forwardHeaders = append(forwardHeaders, defaultCacheForwardHeaders...)
	}

	headers, jerr := joinHeaders(request.Header)
	if jerr != nil {
		return nil, jerr
	}

	xBareURL := headers.Get("x-bare-url")
	if xBareURL == "" {
		return nil, missingHeader("x-bare-url")
	}
	parsedURL, err := url.Parse(xBareURL)
	if err != nil {
		return nil, invalidHeader("request.headers.x-bare-url", "Invalid URL.")
	}
	remote, rerr := URLToRemote(parsedURL)
	if rerr != nil {
		return nil, invalidHeader("request.headers.x-bare-url", "Invalid URL.")
	}
	if !isValidRemoteProtocol(remote.Protocol) {
		return nil, invalidHeader("request.headers.x-bare-url", "Invalid protocol.")
	}

	xBareHeaders := headers.Get("x-bare-headers")
	if xBareHeaders == "" {
		return nil, missingHeader("x-bare-headers")
	}
	sendHeaders, serr := parseSendHeadersJSON(xBareHeaders)
	if serr != nil {
		return nil, serr
	}

	if raw := headers.Get("x-bare-pass-status"); raw != "" {
		parsed, perr := parsePassStatusList(raw)
		if perr != nil {
			return nil, perr
		}
		passStatus = append(passStatus, parsed...)
	}

	if raw := headers.Get("x-bare-pass-headers"); raw != "" {
		parsed, perr := parsePassHeadersList(raw)
		if perr != nil {
			return nil, perr
		}
		passHeaders = append(passHeaders, parsed...)
	}

	if raw := headers.Get("x-bare-forward-headers"); raw != "" {
		parsed, perr := parseForwardHeadersList(raw)
		if perr != nil {
			return nil, perr
		}
		forwardHeaders = append(forwardHeaders, parsed...)
	}

	return &v3Parsed{remote, sendHeaders, passHeaders, passStatus, forwardHeaders}, nil
}

func registerV3(server *BareServer) {
	server.Handle("/v3/", func(request *BareRequest, w http.ResponseWriter, options *Options) *BareError {
		parsed, err := v3ReadHeaders(request)
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

		return writeEnvelopeResponse(w, response, parsed.passHeaders, parsed.passStatus, options.LogErrors)
	})

	server.HandleSocket("/v3/", func(request *BareRequest, clientConn *websocket.Conn, options *Options) error {
		defer clientConn.Close()

		clientConn.SetReadDeadline(time.Now().Add(connectHandshakeTimeout))
		messageType, message, err := clientConn.ReadMessage()
		if err != nil {
			return fmt.Errorf("error reading initial message from client: %w", err)
		}
		clientConn.SetReadDeadline(time.Time{})

		if messageType != websocket.TextMessage {
			return errors.New("the first WebSocket message was not a text frame")
		}

		var connectPacket SocketClientToServer
		if err := json.Unmarshal(message, &connectPacket); err != nil {
			return fmt.Errorf("error unmarshalling client connection packet: %w", err)
		}
		if connectPacket.Type != "connect" {
			return errors.New("client did not send a connect packet")
		}

		connectHeaders := make(http.Header)
		for name, value := range connectPacket.Headers {
			connectHeaders.Set(name, value)
		}
		loadForwardedHeaders(connectPacket.ForwardHeaders, connectHeaders, request.Request)
		connectHeaders.Del("upgrade")
		connectHeaders.Del("connection")

		parsedURL, err := url.Parse(connectPacket.Remote)
		if err != nil {
			return fmt.Errorf("error parsing remote WebSocket url: %w", err)
		}
		remote, rerr := URLToRemote(parsedURL)
		if rerr != nil {
			return fmt.Errorf("error parsing remote WebSocket url: %w", rerr)
		}
		if !isValidRemoteProtocol(remote.Protocol) {
			return errors.New("remote WebSocket url has an invalid protocol")
		}

		ctx, cancel := context.WithTimeout(context.Background(), upgradeTimeout)
		defer cancel()

		resp, remoteSocket, berr := webSocketFetch(ctx, connectHeaders, RemoteToURL(remote), connectPacket.Protocols, options)
		if berr != nil {
			return fmt.Errorf("error establishing remote WebSocket connection: %s", berr.Message)
		}
		defer remoteSocket.Close()

		openPacket := SocketServerToClient{
			Type:       "open",
			Protocol:   remoteSocket.Subprotocol(),
			SetCookies: append([]string{}, resp.Header.Values("set-cookie")...),
		}
		openPacketJSON, _ := json.Marshal(openPacket)

		if err := clientConn.WriteMessage(websocket.TextMessage, openPacketJSON); err != nil {
			return fmt.Errorf("error sending open packet to client: %w", err)
		}

		relay(clientConn, remoteSocket, options.LogErrors)
		return nil
	})

	server.versions = append(server.versions, "v3")
}
