package bare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

type v2Parsed struct {
	remote         Remote
	sendHeaders    http.Header
	passHeaders    []string
	passStatus     []int
	forwardHeaders []string
}

// v2ReadHeaders parses v2's envelope: the same split remote tuple as
// v1, plus optional comma-separated pass/forward controls and cache
// mode, all forbidden-name checked (unlike v1's permissive forward).
func v2ReadHeaders(request *BareRequest) (*v2Parsed, *BareError) {
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

	return &v2Parsed{remote, sendHeaders, passHeaders, passStatus, forwardHeaders}, nil
}

// v2ReadMetaHeaders parses the header set a /v2/ws-new-meta call
// carries: the remote tuple, required x-bare-headers, and an optional
// comma-separated x-bare-forward-headers layered over the WS defaults
// (spec's "+sec-websocket-extensions, sec-websocket-key,
// sec-websocket-version" addition for v1/v2 sockets).
func v2ReadMetaHeaders(request *BareRequest) (Remote, http.Header, []string, *BareError) {
	headers, jerr := joinHeaders(request.Header)
	if jerr != nil {
		return Remote{}, nil, nil, jerr
	}

	remote, rerr := v1ReadRemote(headers)
	if rerr != nil {
		return Remote{}, nil, nil, rerr
	}

	xBareHeaders := headers.Get("x-bare-headers")
	if xBareHeaders == "" {
		return Remote{}, nil, nil, missingHeader("x-bare-headers")
	}
	sendHeaders, serr := parseSendHeadersJSON(xBareHeaders)
	if serr != nil {
		return Remote{}, nil, nil, serr
	}

	forwardHeaders := append([]string{}, defaultForwardHeadersWS...)
	if raw := headers.Get("x-bare-forward-headers"); raw != "" {
		parsed, ferr := parseForwardHeadersList(raw)
		if ferr != nil {
			return Remote{}, nil, nil, ferr
		}
		forwardHeaders = append(forwardHeaders, parsed...)
	}

	return remote, sendHeaders, forwardHeaders, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string{}, v...)
	}
	return out
}

func registerV2(server *BareServer) {
	server.Handle("/v2/", func(request *BareRequest, w http.ResponseWriter, options *Options) *BareError {
		parsed, err := v2ReadHeaders(request)
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

	server.Handle("/v2/ws-new-meta", func(request *BareRequest, w http.ResponseWriter, options *Options) *BareError {
		remote, sendHeaders, forwardHeaders, err := v2ReadMetaHeaders(request)
		if err != nil {
			return err
		}

		id := NewID()
		server.meta.Update(id, func(v *MetaValue) {
			v.V = 2
			v.Remote = &remote
			v.SendHeaders = sendHeaders
			v.ForwardHeaders = forwardHeaders
		})

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(id))
		return nil
	})

	server.Handle("/v2/ws-meta", func(request *BareRequest, w http.ResponseWriter, options *Options) *BareError {
		id := request.Header.Get("x-bare-id")
		if id == "" {
			return missingHeader("x-bare-id")
		}
		value, ok := server.meta.Consume(id, 2)
		if !ok || value.Response == nil {
			return invalidHeader("request.headers.x-bare-id", "Invalid ID.")
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"headers":    value.Response.Headers,
			"status":     value.Response.Status,
			"statusText": value.Response.StatusText,
		})
		return nil
	})

	server.HandleSocket("/v2/", func(request *BareRequest, clientConn *websocket.Conn, options *Options) error {
		defer clientConn.Close()

		id := strings.TrimSpace(request.Header.Get("Sec-WebSocket-Protocol"))
		if id == "" {
			return errors.New("v2 WebSocket connect must offer a meta id as its subprotocol")
		}

		value, ok := server.meta.Peek(id)
		if !ok || value.V != 2 || value.Remote == nil {
			return errors.New("v2 WebSocket connect referenced an unknown or expired meta id")
		}

		sendHeaders := cloneHeader(value.SendHeaders)
		loadForwardedHeaders(value.ForwardHeaders, sendHeaders, request.Request)
		sendHeaders.Del("upgrade")
		sendHeaders.Del("connection")

		ctx, cancel := context.WithTimeout(context.Background(), upgradeTimeout)
		defer cancel()

		resp, remoteSocket, berr := bareUpgradeFetch(ctx, sendHeaders, RemoteToURL(*value.Remote), options)
		if berr != nil {
			return fmt.Errorf("error establishing remote WebSocket connection: %s", berr.Message)
		}
		defer remoteSocket.Close()

		server.meta.Update(id, func(v *MetaValue) {
			v.Response = &MetaResponse{
				Headers:    remoteHeaderMap(resp.Header),
				Status:     resp.StatusCode,
				StatusText: resp.Status,
			}
		})

		relay(clientConn, remoteSocket, options.LogErrors)
		return nil
	})

	server.versions = append(server.versions, "v2")
}
