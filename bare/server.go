package bare

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// BareRequest wraps the inbound exchange the version handlers parse,
// exposing headers/URL/body through the embedded *http.Request while
// keeping a Native reference for anything that needs the untouched
// original (raw header ordering, hijacking).
type BareRequest struct {
	*http.Request
	Native *http.Request
}

// RouteCallback handles a single HTTP tunnel exchange.
type RouteCallback func(request *BareRequest, response http.ResponseWriter, options *Options) *BareError

// SocketRouteCallback handles a single upgraded WebSocket exchange.
type SocketRouteCallback func(request *BareRequest, conn *websocket.Conn, options *Options) error

// Options configures a BareServer's outbound behavior: SSRF hooks,
// dialer tuning, maintainer metadata, and the optional rate limiter.
type Options struct {
	LogErrors bool

	// FilterRemote gates outbound requests whose remote host is a
	// literal IP. Defaulted to reject non-global-unicast addresses
	// unless BlockLocal is set to false.
	FilterRemote func(*url.URL) *BareError

	// Lookup resolves hostnames for outbound requests. Defaulted to the
	// system resolver, filtered by BlockLocal.
	Lookup func(hostname, service string, hints ...net.IPAddr) ([]net.IPAddr, error)

	LocalAddress string
	Family       int

	// BlockLocal enables the default FilterRemote/Lookup SSRF guards,
	// rejecting any remote that resolves to a loopback/link-local/
	// private address. A plain bool can't distinguish "not set" from
	// "explicitly disabled", and the guard defaults to enabled, so this
	// is a pointer: nil (the zero value, e.g. &Options{}) blocks local
	// addresses; a pointer to false opts out. Ignored for hooks the
	// caller supplies explicitly.
	BlockLocal *bool

	Maintainer *BareMaintainer

	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter *RateLimiter

	httpAgent  *http.Transport
	httpsAgent *http.Transport
}

// blockLocal resolves BlockLocal's tri-state: unset means enabled.
func (o *Options) blockLocal() bool {
	if o.BlockLocal == nil {
		return true
	}
	return *o.BlockLocal
}

// BareServer is the routing/lifecycle core described in spec §4.G: a
// prefix-mounted dispatcher shared by v1/v2/v3.
type BareServer struct {
	directory    string
	routes       map[string]RouteCallback
	socketRoutes map[string]SocketRouteCallback
	versions     []string
	closed       bool
	options      *Options
	wss          *websocket.Upgrader
	meta         *MetaAdapter
}

// NewBareServer constructs a BareServer mounted at directory (must start
// and end with '/'), applying SSRF/dialer defaults to options and
// registering v1, v2, and v3.
func NewBareServer(directory string, options *Options) *BareServer {
	if options.FilterRemote == nil {
		options.FilterRemote = defaultFilterRemote(options.blockLocal)
	}
	if options.Lookup == nil {
		options.Lookup = defaultLookup(options.blockLocal)
	}

	if options.httpAgent == nil {
		options.httpAgent = &http.Transport{
			DialContext:           dialContextWithLookup(options),
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableCompression:    true,
		}
	}

	if options.httpsAgent == nil {
		options.httpsAgent = &http.Transport{
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
			DialContext:           dialContextWithLookup(options),
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableCompression:    true,
		}
	}

	server := &BareServer{
		directory:    directory,
		routes:       make(map[string]RouteCallback),
		socketRoutes: make(map[string]SocketRouteCallback),
		versions:     make([]string, 0),
		options:      options,
		wss: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		meta: NewMetaAdapter(nil),
	}

	registerV1(server)
	registerV2(server)
	registerV3(server)

	return server
}

// Close tears down the reaper and the two connection pools. Spec §5
// requires connection pools to support keep-alive and be destroyed on
// close; the teacher's Close only flipped a flag.
func (s *BareServer) Close() {
	s.closed = true
	s.meta.Stop()
	if s.options.httpAgent != nil {
		s.options.httpAgent.CloseIdleConnections()
	}
	if s.options.httpsAgent != nil {
		s.options.httpsAgent.CloseIdleConnections()
	}
}

// ShouldRoute reports whether request falls under this server's mount
// prefix and the server hasn't been closed.
func (s *BareServer) ShouldRoute(request *http.Request) bool {
	return !s.closed && strings.HasPrefix(request.URL.Path, s.directory)
}

func (s *BareServer) service(r *http.Request) string {
	return r.URL.Path[len(s.directory)-1:]
}

// RouteUpgrade dispatches an already-upgraded WebSocket connection to
// its registered socket handler.
func (s *BareServer) RouteUpgrade(w http.ResponseWriter, r *http.Request, conn *websocket.Conn) {
	request := &BareRequest{Request: r, Native: r}
	service := s.service(r)

	handler, ok := s.socketRoutes[service]
	if !ok {
		conn.Close()
		return
	}

	if err := handler(request, conn, s.options); err != nil {
		if s.options.LogErrors {
			log.WithError(err).Warn("error in socket handler")
		}
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), time.Now().Add(10*time.Second))
		conn.Close()
	}
}

// RouteRequest dispatches a plain HTTP exchange under the mount prefix:
// OPTIONS pre-flight, the manifest at '/', a registered handler, or 404.
func (s *BareServer) RouteRequest(w http.ResponseWriter, r *http.Request) {
	if s.options.RateLimiter != nil {
		if res := s.options.RateLimiter.Check(r); !res.Allowed {
			writeRateLimitExceeded(w, res)
			return
		}
	}

	request := &BareRequest{Request: r, Native: r}
	service := s.service(r)

	var err *BareError

	switch {
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case service == "/":
		writeJSON(w, http.StatusOK, s.getInstanceInfo())
	default:
		if handler, ok := s.routes[service]; ok {
			err = handler(request, w, s.options)
			if s.options.LogErrors && err != nil {
				log.WithField("service", service).Warn(err.Message)
			}
		} else {
			err = &BareError{404, "UNKNOWN", "error.NotFoundError", "Not Found", ""}
		}
	}

	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(err.Status)
		enc := json.NewEncoder(w)
		enc.Encode(*err)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *BareServer) getInstanceInfo() BareManifest {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return BareManifest{
		Versions:    s.versions,
		Language:    LanguageGo,
		MemoryUsage: float64(memStats.HeapAlloc) / 1024 / 1024,
		Maintainer:  s.options.Maintainer,
		Project: &BareProject{
			Name:        "bare-server-go",
			Description: "Bare server implementation in Go",
			Repository:  "https://github.com/openbare/bare-server-go",
			Version:     "0.2.0",
		},
	}
}

// Handle registers an HTTP tunnel handler at pattern (e.g. "/v1/").
func (s *BareServer) Handle(pattern string, handler RouteCallback) {
	s.routes[pattern] = handler
}

// HandleSocket registers a WebSocket tunnel handler at pattern.
func (s *BareServer) HandleSocket(pattern string, handler SocketRouteCallback) {
	s.socketRoutes[pattern] = handler
}

// Handler returns the http.Handler this server dispatches through,
// suitable for mounting on a caller-owned listener/TLS config instead of
// calling Start.
func (s *BareServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveHTTP)
	return mux
}

func (s *BareServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.ShouldRoute(r) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("Not found"))
		return
	}

	addCors(w)

	if websocket.IsWebSocketUpgrade(r) {
		if s.options.RateLimiter != nil {
			if res := s.options.RateLimiter.Check(r); !res.Allowed {
				writeRateLimitExceeded(w, res)
				return
			}
		}
		// Echo back whatever subprotocol(s) the client offered rather than
		// negotiating a fixed list: v1 offers "bare" first (so it's always
		// selected), v2 offers its meta id as the sole protocol, and v3
		// offers none of this matters for — the upgrader just no-ops.
		upgrader := *s.wss
		upgrader.Subprotocols = websocket.Subprotocols(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Error("error upgrading to websocket")
			return
		}
		s.RouteUpgrade(w, r, conn)
	} else {
		s.RouteRequest(w, r)
	}
}

// Start begins listening and blocks until the process receives an
// interrupt, then shuts the HTTP server and the BareServer down.
func (s *BareServer) Start(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("error starting server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	log.Info("shutting down server")
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func addCors(w http.ResponseWriter) {
	w.Header().Set("x-robots-tag", "noindex")
	w.Header().Set("access-control-allow-headers", "*")
	w.Header().Set("access-control-allow-origin", "*")
	w.Header().Set("access-control-allow-methods", "*")
	w.Header().Set("access-control-expose-headers", "*")
	w.Header().Set("access-control-max-age", "7200")
}
