// Package doh implements the DNS-over-HTTPS protocol reader: it terminates
// TLS/HTTP2, extracts the effective SNI from the completed handshake,
// rewrites it, and reverse-proxies the request to the rewritten upstream.
//
// Grounded on secure_dns.go's startDoHServer (http.Server over a TLS
// listener, custom Handler) and the teacher's accept/serve split.
package doh

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/ttimochan/dns-frontdoor/internal/acceptor"
	"github.com/ttimochan/dns-frontdoor/internal/metrics"
	"github.com/ttimochan/dns-frontdoor/internal/rewrite"
	"github.com/ttimochan/dns-frontdoor/internal/upstream"
)

const (
	readHeaderTimeout = 5 * time.Second
	requestTimeout    = 30 * time.Second
)

// Reader is the DoH ProtocolReader: an http.Server bound to a TLS listener
// that reverse-proxies every request to its rewritten upstream host.
type Reader struct {
	addr         string
	upstreamPort string
	factory      *acceptor.Factory
	rewriter     rewrite.SNIRewriter
	upstream     *upstream.HTTPUpstream
	sink         *metrics.Sink

	srv     *http.Server
	ln      net.Listener
	done    chan struct{}
	stopped atomic.Bool
}

// New builds a Reader bound to addr, not yet serving. upstreamURL is the
// configured DoH upstream URL (spec.md §6's "full URL whose path is the DNS
// query endpoint"); its port, if any, is retained when the authority is
// replaced by a rewritten SNI.
func New(addr, upstreamURL string, factory *acceptor.Factory, rewriter rewrite.SNIRewriter, up *upstream.HTTPUpstream, sink *metrics.Sink) (*Reader, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("doh: parsing upstream url %q: %w", upstreamURL, err)
	}

	r := &Reader{addr: addr, upstreamPort: u.Port(), factory: factory, rewriter: rewriter, upstream: up, sink: sink}

	r.srv = &http.Server{
		Handler:           http.HandlerFunc(r.serveHTTP),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return r, nil
}

// Start binds the TLS listener and begins serving HTTP requests in a
// background goroutine.
func (r *Reader) Start(context.Context) (err error) {
	ln, err := r.factory.ListenTLS("tcp", r.addr, acceptor.ALPNDoH)
	if err != nil {
		return err
	}

	r.ln = ln
	r.done = make(chan struct{})
	r.stopped.Store(false)

	log.Info("doh: listening on %s", ln.Addr())

	go func() {
		defer close(r.done)

		if serr := r.srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			log.Error("doh: server error: %v", serr)
		}
	}()

	return nil
}

// Stop gracefully shuts the HTTP server down.
func (r *Reader) Stop() error {
	r.stopped.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return r.srv.Shutdown(ctx)
}

// Crashed returns a channel that is closed when the server stops serving
// for a reason other than Stop, letting the Supervisor restart this reader.
func (r *Reader) Crashed() <-chan struct{} {
	done, crashed := r.done, make(chan struct{})

	go func() {
		<-done

		if !r.stopped.Load() {
			close(crashed)
		}
	}()

	return crashed
}

// Addr returns the address the listener is bound to.
func (r *Reader) Addr() string {
	return r.ln.Addr().String()
}

func (r *Reader) serveHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.sink.RequestStarted(metrics.ProtoDoH)

	sni := req.TLS.ServerName
	if sni == "" {
		sni = hostWithoutPort(req.Host)
	}

	r.sink.ObserveSNI(sni)

	target := hostWithoutPort(req.Host)

	res, matched := r.rewriter.Rewrite(sni)
	if !matched && res.Reject {
		r.sink.RequestErr(metrics.ProtoDoH)
		log.Debug("doh: sni %q matched no base domain or passthrough pattern", sni)
		w.WriteHeader(http.StatusForbidden)

		return
	}

	if matched {
		target = res.Target
	}

	if r.upstreamPort != "" {
		target = net.JoinHostPort(target, r.upstreamPort)
	}

	upstreamFailed := false

	proxy := &httputil.ReverseProxy{
		Director: func(out *http.Request) {
			out.URL.Scheme = "https"
			out.URL.Host = target
			out.Host = target
		},
		Transport: r.upstream,
		ErrorHandler: func(rw http.ResponseWriter, _ *http.Request, perr error) {
			upstreamFailed = true
			r.sink.UpstreamError(metrics.ProtoDoH)
			log.Debug("doh: upstream error proxying to %s: %v", target, perr)
			rw.WriteHeader(http.StatusBadGateway)
		},
	}

	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	proxy.ServeHTTP(w, req.WithContext(ctx))

	r.sink.BytesIn(metrics.ProtoDoH, req.ContentLength)

	if upstreamFailed {
		return
	}

	r.sink.RequestOK(metrics.ProtoDoH, time.Since(start))
}

// hostWithoutPort strips a ":port" suffix from host, per spec.md §4.3 step
// 1's "the HTTP Host header (value before ':')" fallback. host is returned
// unchanged when it carries no port (net.SplitHostPort's "missing port in
// address" error).
func hostWithoutPort(host string) string {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}

	return h
}

// type check: *upstream.HTTPUpstream satisfies http.RoundTripper.
var _ http.RoundTripper = (*upstream.HTTPUpstream)(nil)
