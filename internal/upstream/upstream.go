// Package upstream implements the three ways the front-door forwards a
// rewritten request to its real destination: a pooled HTTPS client for DoH,
// a per-connection TLS tunnel for DoT, and a per-connection QUIC tunnel for
// DoQ. DoH3 reuses the HTTPS client via an http3 RoundTripper.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/proxy"

	"github.com/ttimochan/dns-frontdoor/internal/xerrors"
)

// readTimeout bounds each request made through the pooled HTTP/2 client
// (http.Client.Timeout), grounded on relay.Server's readTimeout. Tunneled
// DoT/DoQ connections carry no deadline.
const readTimeout = 60 * time.Second

// remotePortTLS / remotePortQUIC are the default ports dialed when the
// rewritten target doesn't carry an explicit port.
const (
	remotePortTLS  = "853"
	remotePortQUIC = "853"
)

// HTTPUpstream is the UpstreamHttp component: a pooled *http.Client shared
// across every DoH request, plus an http3.Transport shared across DoH3.
type HTTPUpstream struct {
	h2 *http.Client
	h3 *http3.Transport
}

// NewHTTPUpstream builds an HTTPUpstream dialing through dialer (proxy.Direct
// unless a SOCKS5 proxy is configured).
func NewHTTPUpstream(dialer proxy.Dialer) *HTTPUpstream {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
		TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2: true,
	}

	return &HTTPUpstream{
		h2: &http.Client{Transport: transport, Timeout: readTimeout},
		h3: &http3.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}},
	}
}

// RoundTrip forwards req to the target host over HTTP/2 (DoH). The caller is
// responsible for rewriting req.URL.Host/req.Host before calling this.
func (u *HTTPUpstream) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	// A request cloned from an incoming server request still carries its
	// RequestURI, which http.Client refuses to send.
	out := req.Clone(req.Context())
	out.RequestURI = ""

	resp, err = u.h2.Do(out)
	if err != nil {
		return nil, &xerrors.UpstreamDialError{Addr: req.URL.Host, Err: err}
	}

	return resp, nil
}

// RoundTripH3 forwards req over HTTP/3 (DoH3).
func (u *HTTPUpstream) RoundTripH3(req *http.Request) (resp *http.Response, err error) {
	resp, err = u.h3.RoundTrip(req)
	if err != nil {
		return nil, &xerrors.UpstreamDialError{Addr: req.URL.Host, Err: err}
	}

	return resp, nil
}

// Close releases pooled connections held by both transports.
func (u *HTTPUpstream) Close() {
	u.h2.CloseIdleConnections()
	_ = u.h3.Close()
}

// closeWriter is used to half-close a tunnel leg after io.Copy drains it,
// grounded on relay.Server's closeWriter/tunnel pair.
type closeWriter interface {
	CloseWrite() error
}

// TLSTunnelUpstream is the UpstreamTlsTunnel component: for every DoT
// connection it dials a fresh TLS connection to target and copies bytes in
// both directions until either side closes.
type TLSTunnelUpstream struct {
	dialer proxy.Dialer
}

// NewTLSTunnelUpstream builds a TLSTunnelUpstream dialing through dialer.
func NewTLSTunnelUpstream(dialer proxy.Dialer) *TLSTunnelUpstream {
	return &TLSTunnelUpstream{dialer: dialer}
}

// Tunnel dials target (host or host:port; remotePortTLS is appended when no
// port is present), performs the TLS client handshake with serverName as
// SNI, and bidirectionally copies bytes between client and the upstream
// until both directions are drained. It returns the bytes read from and
// written to the client.
func (u *TLSTunnelUpstream) Tunnel(ctx context.Context, client net.Conn, target, serverName string) (bytesIn, bytesOut int64, err error) {
	addr := withDefaultPort(target, remotePortTLS)

	rawConn, err := u.dialer.Dial("tcp", addr)
	if err != nil {
		return 0, 0, &xerrors.UpstreamDialError{Addr: addr, Err: err}
	}

	remote := tls.Client(rawConn, &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12})
	if err = remote.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return 0, 0, &xerrors.UpstreamDialError{Addr: addr, Err: err}
	}

	return tunnel(client, remote)
}

// QUICTunnelUpstream is the UpstreamQuic component: one upstream QUIC
// connection is dialed per downstream connection (DialConn), and every
// client-opened stream is mirrored onto a new stream opened on that same
// upstream connection (TunnelStream), per spec.md §4.5 steps 2-3 and §5's
// "the QUIC endpoint for client dials (shared per upstream)" resource
// model.
type QUICTunnelUpstream struct{}

// NewQUICTunnelUpstream builds a QUICTunnelUpstream.
func NewQUICTunnelUpstream() *QUICTunnelUpstream {
	return &QUICTunnelUpstream{}
}

// DialConn opens the single upstream QUIC connection a downstream
// connection's streams are mirrored onto. Callers must close the returned
// connection once the downstream connection ends.
func (u *QUICTunnelUpstream) DialConn(ctx context.Context, target, serverName string) (quic.Connection, error) {
	addr := withDefaultPort(target, remotePortQUIC)

	conn, err := quic.DialAddr(ctx, addr, &tls.Config{ServerName: serverName, NextProtos: []string{"doq"}, MinVersion: tls.VersionTLS12}, nil)
	if err != nil {
		return nil, &xerrors.UpstreamDialError{Addr: addr, Err: err}
	}

	return conn, nil
}

// TunnelStream opens a new bidirectional stream on upstreamConn and copies
// bytes between clientStream and it until both directions are drained.
func (u *QUICTunnelUpstream) TunnelStream(ctx context.Context, clientStream io.ReadWriteCloser, upstreamConn quic.Connection) (bytesIn, bytesOut int64, err error) {
	remoteStream, err := upstreamConn.OpenStreamSync(ctx)
	if err != nil {
		return 0, 0, &xerrors.UpstreamDialError{Addr: upstreamConn.RemoteAddr().String(), Err: err}
	}

	return tunnel(clientStream, remoteStream)
}

// tunnel copies data bidirectionally between a and b, half-closing each
// side via CloseWrite when supported and falling back to Close otherwise.
// Grounded on relay.Server's tunnel/handleConn pair.
func tunnel(a, b io.ReadWriteCloser) (aToB, bToA int64, err error) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		aToB = copyHalf(b, a)
	}()

	go func() {
		defer wg.Done()
		bToA = copyHalf(a, b)
	}()

	wg.Wait()

	return aToB, bToA, nil
}

// copyHalf copies src into dst and half-closes (or closes) dst when done,
// reporting bytes actually copied. Errors are swallowed here; callers
// observe overall success via the byte counts and the caller-visible
// tunnel error is always nil because a half-closed tunnel is not a failure
// mode distinct from a clean EOF.
func copyHalf(dst io.Writer, src io.Reader) (written int64) {
	defer func() {
		switch c := dst.(type) {
		case closeWriter:
			_ = c.CloseWrite()
		case io.Closer:
			_ = c.Close()
		}
	}()

	written, err := io.Copy(dst, src)
	if err != nil {
		log.Debug("upstream: tunnel copy ended: %v", err)
	}

	return written
}

// ResolveUpstreamHost builds the dial address for a tunneled upstream: the
// configured base address's port is retained (spec.md §4.3/§4.5's "the
// configured upstream is already host:port; when a rewrite occurred, the
// target hostname replaces the host portion and the original port is
// retained"), with host replaced by the rewritten hostname.
func ResolveUpstreamHost(base, host string) string {
	if _, port, err := net.SplitHostPort(base); err == nil {
		return net.JoinHostPort(host, port)
	}

	return host
}

// withDefaultPort appends port to target when target carries none.
func withDefaultPort(target, port string) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}

	return fmt.Sprintf("%s:%s", target, port)
}
