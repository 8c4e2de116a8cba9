// Package doh3 implements the DNS-over-HTTP/3 protocol reader: it serves
// HTTP requests over a QUIC/h3 listener, extracts the effective SNI from
// the completed handshake, rewrites it, and reverse-proxies the request to
// the rewritten upstream over HTTP/3.
//
// Grounded on secure_dns.go's startDoH3Server (quic.ListenAddrEarly +
// http3.Server.ServeListener) and the doh package's reverse-proxy idiom,
// substituting the h3 RoundTripper for the h2 one.
package doh3

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
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/ttimochan/dns-frontdoor/internal/acceptor"
	"github.com/ttimochan/dns-frontdoor/internal/metrics"
	"github.com/ttimochan/dns-frontdoor/internal/rewrite"
	"github.com/ttimochan/dns-frontdoor/internal/upstream"
)

const requestTimeout = 30 * time.Second

// Reader is the DoH3 ProtocolReader: an http3.Server bound to a QUIC
// listener that reverse-proxies every request to its rewritten upstream
// host over HTTP/3.
type Reader struct {
	addr         string
	upstreamPort string
	factory      *acceptor.Factory
	rewriter     rewrite.SNIRewriter
	upstream     *upstream.HTTPUpstream
	sink         *metrics.Sink

	srv     *http3.Server
	ln      *quic.EarlyListener
	done    chan struct{}
	stopped atomic.Bool
}

// New builds a Reader bound to addr, not yet serving. upstreamURL is the
// configured DoH3 upstream URL; its port, if any, is retained when the
// authority is replaced by a rewritten SNI.
func New(addr, upstreamURL string, factory *acceptor.Factory, rewriter rewrite.SNIRewriter, up *upstream.HTTPUpstream, sink *metrics.Sink) (*Reader, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("doh3: parsing upstream url %q: %w", upstreamURL, err)
	}

	r := &Reader{addr: addr, upstreamPort: u.Port(), factory: factory, rewriter: rewriter, upstream: up, sink: sink}

	r.srv = &http3.Server{Handler: http.HandlerFunc(r.serveHTTP)}

	return r, nil
}

// Start binds the QUIC listener and begins serving HTTP/3 requests in a
// background goroutine.
func (r *Reader) Start(context.Context) (err error) {
	ln, err := r.factory.ListenQUIC(r.addr, acceptor.ALPNDoH3)
	if err != nil {
		return err
	}

	r.ln = ln
	r.done = make(chan struct{})
	r.stopped.Store(false)

	log.Info("doh3: listening on %s", ln.Addr())

	go func() {
		defer close(r.done)

		if serr := r.srv.ServeListener(ln); serr != nil && serr != http.ErrServerClosed {
			log.Error("doh3: server error: %v", serr)
		}
	}()

	return nil
}

// Stop closes the underlying QUIC listener.
func (r *Reader) Stop() error {
	if r.ln == nil {
		return nil
	}

	r.stopped.Store(true)

	return r.ln.Close()
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
	r.sink.RequestStarted(metrics.ProtoDoH3)

	sni := hostWithoutPort(req.Host)
	if req.TLS != nil && req.TLS.ServerName != "" {
		sni = req.TLS.ServerName
	}

	r.sink.ObserveSNI(sni)

	target := hostWithoutPort(req.Host)

	res, matched := r.rewriter.Rewrite(sni)
	if !matched && res.Reject {
		r.sink.RequestErr(metrics.ProtoDoH3)
		log.Debug("doh3: sni %q matched no base domain or passthrough pattern", sni)
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
		Transport: h3RoundTripperFunc(r.upstream.RoundTripH3),
		ErrorHandler: func(rw http.ResponseWriter, _ *http.Request, perr error) {
			upstreamFailed = true
			r.sink.UpstreamError(metrics.ProtoDoH3)
			log.Debug("doh3: upstream error proxying to %s: %v", target, perr)
			rw.WriteHeader(http.StatusBadGateway)
		},
	}

	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	proxy.ServeHTTP(w, req.WithContext(ctx))

	r.sink.BytesIn(metrics.ProtoDoH3, req.ContentLength)

	if upstreamFailed {
		return
	}

	r.sink.RequestOK(metrics.ProtoDoH3, time.Since(start))
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

// h3RoundTripperFunc adapts upstream.HTTPUpstream.RoundTripH3 to the
// http.RoundTripper interface httputil.ReverseProxy expects.
type h3RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f h3RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
