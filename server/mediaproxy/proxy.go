package mediaproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ktvcast/ktvcast/conf"
	"github.com/ktvcast/ktvcast/core/metrics"
	"github.com/ktvcast/ktvcast/log"
)

// ErrProxyBind is returned when the proxy cannot bind its listen address.
var ErrProxyBind = errors.New("failed to bind media proxy")

// forwardedRequestHeaders go upstream unchanged; renderers rely on Range
// for seeking.
var forwardedRequestHeaders = []string{"Range", "If-Modified-Since", "User-Agent"}

// forwardedResponseHeaders come back to the renderer unchanged.
var forwardedResponseHeaders = []string{
	"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Last-Modified",
}

// Server re-serves remote media to renderers on the LAN. Renderers cannot
// always reach the remote origin (TLS, auth, routing), so every URI handed
// to them points here instead.
type Server struct {
	localIP  string
	port     int
	listener net.Listener
	srv      *http.Server
	client   *http.Client
}

func New() *Server {
	port := conf.Server.ProxyPort
	if port == 0 {
		port = 8080
	}
	s := &Server{
		port:   port,
		client: &http.Client{},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/proxy", s.handleProxy)
	r.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       conf.Server.KeepAlive(),
	}
	return s
}

// Start binds the listen socket and begins serving. The LAN-routable local
// address is resolved once here; StreamURL uses it for every renderer-facing
// URL.
func (s *Server) Start(ctx context.Context) error {
	addr := conf.Server.ProxyAddress
	if addr == "" {
		addr = "0.0.0.0"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProxyBind, err)
	}
	s.listener = listener

	s.localIP, err = detectLocalIP()
	if err != nil {
		log.Warn(ctx, "Could not detect LAN address, falling back to 127.0.0.1", err)
		s.localIP = "127.0.0.1"
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "Media proxy stopped", err)
		}
	}()
	log.Info(ctx, "Media proxy listening", "addr", listener.Addr().String(), "localIP", s.localIP)
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// LocalIP returns the LAN-routable address resolved at start.
func (s *Server) LocalIP() string {
	return s.localIP
}

// StreamURL maps a remote media URL to its renderer-visible proxied form.
func (s *Server) StreamURL(remote string) string {
	return fmt.Sprintf("http://%s:%d/proxy?url=%s", s.localIP, s.port, url.QueryEscape(remote))
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		metrics.RecordProxyRequest(http.StatusBadRequest)
		return
	}
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() || (target.Scheme != "http" && target.Scheme != "https") {
		http.Error(w, "url must be an absolute http(s) URL", http.StatusBadRequest)
		metrics.RecordProxyRequest(http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), "GET", target.String(), nil)
	if err != nil {
		http.Error(w, "bad upstream URL", http.StatusBadRequest)
		metrics.RecordProxyRequest(http.StatusBadRequest)
		return
	}
	for _, h := range forwardedRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn(r.Context(), "Upstream fetch failed", "url", target.String(), err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		metrics.RecordProxyRequest(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, h := range forwardedResponseHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	metrics.RecordProxyRequest(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	metrics.RecordProxyBytes(n)
	if err != nil {
		// Renderers drop range connections mid-stream all the time.
		log.Trace(r.Context(), "Proxy stream interrupted", "url", target.String(), "bytes", n, err)
	}
}

// detectLocalIP finds the address a LAN peer would use to reach this host.
// The UDP dial never sends a packet; it only forces route selection.
func detectLocalIP() (string, error) {
	conn, err := net.Dial("udp4", "239.255.255.250:1900")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "", fmt.Errorf("could not determine local address")
	}
	return addr.IP.String(), nil
}
