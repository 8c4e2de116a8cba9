// Package doq implements the DNS-over-QUIC protocol reader: it terminates a
// QUIC connection, extracts the SNI negotiated during the handshake,
// rewrites it, and mirrors every client-opened stream to a matching stream
// on the rewritten upstream.
//
// Grounded on semihalev-sdns/server/doq.go's accept-connection/accept-stream
// goroutine structure and hezhijie0327-ZJDNS's secure_dns.go
// handleQUICConnection/handleQUICStream pattern, generalized from
// parse-and-answer to open-and-copy per the front-door's non-goal on
// wire-format parsing.
package doq

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/quic-go/quic-go"

	"github.com/ttimochan/dns-frontdoor/internal/acceptor"
	"github.com/ttimochan/dns-frontdoor/internal/metrics"
	"github.com/ttimochan/dns-frontdoor/internal/rewrite"
	"github.com/ttimochan/dns-frontdoor/internal/upstream"
)

// Reader is the DoQ ProtocolReader: a QUIC listener accepting connections,
// each spawning a goroutine that accepts and mirrors every stream opened on
// it.
type Reader struct {
	addr         string
	upstreamAddr string
	factory      *acceptor.Factory
	rewriter     rewrite.SNIRewriter
	upstream     *upstream.QUICTunnelUpstream
	sink         *metrics.Sink

	ln      *quic.EarlyListener
	done    chan struct{}
	stopped atomic.Bool
}

// New builds a Reader bound to addr, not yet listening. upstreamAddr is the
// configured DoQ upstream (host:port); a rewritten SNI replaces its host
// while its port is retained.
func New(addr, upstreamAddr string, factory *acceptor.Factory, rewriter rewrite.SNIRewriter, up *upstream.QUICTunnelUpstream, sink *metrics.Sink) *Reader {
	return &Reader{addr: addr, upstreamAddr: upstreamAddr, factory: factory, rewriter: rewriter, upstream: up, sink: sink}
}

// Start binds the QUIC listener and begins accepting connections in a
// background goroutine.
func (r *Reader) Start(ctx context.Context) (err error) {
	ln, err := r.factory.ListenQUIC(r.addr, acceptor.ALPNDoQ)
	if err != nil {
		return err
	}

	r.ln = ln
	r.done = make(chan struct{})
	r.stopped.Store(false)

	log.Info("doq: listening on %s", ln.Addr())

	go r.acceptConnections(ctx)

	return nil
}

// Stop closes the listener, causing acceptConnections to return without
// signaling a crash on Crashed.
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

// Addr returns the address the listener is bound to.
func (r *Reader) Addr() string {
	return r.ln.Addr().String()
}

func (r *Reader) acceptConnections(ctx context.Context) {
	defer close(r.done)

	for {
		conn, err := r.ln.Accept(ctx)
		if err != nil {
			log.Debug("doq: listener closed, exiting accept loop: %v", err)

			return
		}

		go r.handleConnection(ctx, conn)
	}
}

func (r *Reader) handleConnection(ctx context.Context, conn quic.Connection) {
	defer func() { _ = conn.CloseWithError(0, "") }()

	sni := conn.ConnectionState().TLS.ServerName
	r.sink.ObserveSNI(sni)

	target := sni

	res, matched := r.rewriter.Rewrite(sni)
	if !matched && res.Reject {
		log.Debug("doq: sni %q matched no base domain or passthrough pattern, closing", sni)

		return
	}

	if matched {
		target = res.Target
	}

	dialAddr := upstream.ResolveUpstreamHost(r.upstreamAddr, target)

	upstreamConn, err := r.upstream.DialConn(ctx, dialAddr, target)
	if err != nil {
		r.sink.UpstreamError(metrics.ProtoDoQ)
		log.Debug("doq: dialing upstream %s failed: %v", dialAddr, err)

		return
	}
	defer func() { _ = upstreamConn.CloseWithError(0, "") }()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Debug("doq: connection from %s closed: %v", conn.RemoteAddr(), err)

			return
		}

		go r.handleStream(ctx, stream, upstreamConn, dialAddr)
	}
}

func (r *Reader) handleStream(ctx context.Context, stream quic.Stream, upstreamConn quic.Connection, dialAddr string) {
	defer func() { _ = stream.Close() }()

	r.sink.RequestStarted(metrics.ProtoDoQ)
	start := time.Now()

	bytesIn, bytesOut, err := r.upstream.TunnelStream(ctx, stream, upstreamConn)
	r.sink.BytesIn(metrics.ProtoDoQ, bytesIn)
	r.sink.BytesOut(metrics.ProtoDoQ, bytesOut)

	if err != nil {
		r.sink.UpstreamError(metrics.ProtoDoQ)
		log.Debug("doq: stream tunnel to %s failed: %v", dialAddr, err)

		return
	}

	r.sink.RequestOK(metrics.ProtoDoQ, time.Since(start))
}
