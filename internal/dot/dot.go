// Package dot implements the DNS-over-TLS protocol reader: it terminates a
// TLS connection, extracts the SNI from the completed handshake, rewrites
// it and tunnels the connection to the rewritten upstream.
//
// Grounded on relay.Server's acceptLoop/handleConn/tunnel pattern, adapted
// from a blind-SNI-peek relay to a terminating one, since TlsAcceptorFactory
// already resolves a dynamic certificate per SNI.
package dot

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"

	"github.com/ttimochan/dns-frontdoor/internal/acceptor"
	"github.com/ttimochan/dns-frontdoor/internal/metrics"
	"github.com/ttimochan/dns-frontdoor/internal/rewrite"
	"github.com/ttimochan/dns-frontdoor/internal/upstream"
	"github.com/ttimochan/dns-frontdoor/internal/xerrors"
)

// handshakeTimeout bounds how long the TLS handshake itself may take before
// the connection is abandoned.
const handshakeTimeout = 10 * time.Second

// Reader is the DoT ProtocolReader: it owns the listener and accept loop for
// one DoT listen address.
type Reader struct {
	addr         string
	upstreamAddr string
	factory      *acceptor.Factory
	rewriter     rewrite.SNIRewriter
	upstream     *upstream.TLSTunnelUpstream
	sink         *metrics.Sink

	ln      net.Listener
	done    chan struct{}
	stopped atomic.Bool
}

// New builds a Reader bound to addr, not yet listening. upstreamAddr is the
// configured DoT upstream (host:port); a rewritten SNI replaces its host
// while its port is retained.
func New(addr, upstreamAddr string, factory *acceptor.Factory, rewriter rewrite.SNIRewriter, up *upstream.TLSTunnelUpstream, sink *metrics.Sink) *Reader {
	return &Reader{addr: addr, upstreamAddr: upstreamAddr, factory: factory, rewriter: rewriter, upstream: up, sink: sink}
}

// Start binds the listener and begins accepting connections in a background
// goroutine. It returns once the listener is bound, mirroring relay.Server's
// synchronous-bind/asynchronous-serve split.
func (r *Reader) Start(ctx context.Context) (err error) {
	ln, err := r.factory.ListenTLS("tcp", r.addr, acceptor.ALPNDoT)
	if err != nil {
		return err
	}

	r.ln = ln
	r.done = make(chan struct{})
	r.stopped.Store(false)

	log.Info("dot: listening on %s", ln.Addr())

	go r.acceptLoop(ctx)

	return nil
}

// Stop closes the listener, causing acceptLoop to return without signaling
// a crash on Crashed.
func (r *Reader) Stop() error {
	if r.ln == nil {
		return nil
	}

	r.stopped.Store(true)

	return r.ln.Close()
}

// Crashed returns a channel that is closed when the accept loop exits for a
// reason other than Stop, letting the Supervisor restart this reader.
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

// Addr returns the address the listener is bound to. It must only be called
// after Start has returned successfully.
func (r *Reader) Addr() string {
	return r.ln.Addr().String()
}

func (r *Reader) acceptLoop(ctx context.Context) {
	defer close(r.done)

	for {
		conn, err := r.ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			log.Info("dot: listener closed, exiting accept loop")

			return
		}

		if err != nil {
			log.Debug("dot: accept error: %v", err)

			continue
		}

		go func() {
			if hErr := r.handleConn(ctx, conn); hErr != nil {
				log.Debug("dot: %v", hErr)
			}
		}()
	}
}

func (r *Reader) handleConn(ctx context.Context, conn net.Conn) (err error) {
	defer log.OnCloserError(conn, log.DEBUG)

	r.sink.RequestStarted(metrics.ProtoDoT)
	start := time.Now()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		r.sink.RequestErr(metrics.ProtoDoT)

		return &xerrors.ClientIOError{Err: errors.Error("dot: accepted connection is not a *tls.Conn")}
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err = tlsConn.HandshakeContext(hsCtx); err != nil {
		r.sink.RequestErr(metrics.ProtoDoT)

		return &xerrors.TLSError{SNI: tlsConn.ConnectionState().ServerName, Err: err}
	}

	sni := tlsConn.ConnectionState().ServerName
	r.sink.ObserveSNI(sni)

	target := sni

	res, matched := r.rewriter.Rewrite(sni)
	if !matched && res.Reject {
		r.sink.RequestErr(metrics.ProtoDoT)

		return &xerrors.TLSError{SNI: sni, Err: errors.Error("dot: sni matched no base domain or passthrough pattern")}
	}

	if matched {
		target = res.Target
	}

	dialAddr := upstream.ResolveUpstreamHost(r.upstreamAddr, target)

	bytesIn, bytesOut, err := r.upstream.Tunnel(ctx, tlsConn, dialAddr, target)
	r.sink.BytesIn(metrics.ProtoDoT, bytesIn)
	r.sink.BytesOut(metrics.ProtoDoT, bytesOut)

	if err != nil {
		r.sink.UpstreamError(metrics.ProtoDoT)

		return err
	}

	r.sink.RequestOK(metrics.ProtoDoT, time.Since(start))

	return nil
}
