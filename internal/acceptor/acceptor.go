// Package acceptor builds the shared listening primitives the protocol
// readers bind to: a *tls.Config backed by a certstore.Store for DoT/DoH,
// and a *quic.Config/quic.Transport pairing for DoQ/DoH3.
package acceptor

import (
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ttimochan/dns-frontdoor/internal/certstore"
	"github.com/ttimochan/dns-frontdoor/internal/xerrors"
)

// Defaults for the QUIC transport shared by DoQ and DoH3, grounded on
// secure_dns.go's SecureDNSManager constants.
const (
	defaultIdleTimeout  = 5 * time.Minute
	defaultKeepAlive    = 15 * time.Second
	defaultHandshakeRTO = 10 * time.Second
)

// ALPN protocol ID lists per RFC 7858 (DoT), RFC 8484 (DoH over h2), RFC 9250
// (DoQ) and RFC 9114 (DoH3 over h3).
var (
	ALPNDoT  = []string{"dot"}
	ALPNDoH  = []string{"h2", "http/1.1"}
	ALPNDoQ  = []string{"doq"}
	ALPNDoH3 = []string{"h3"}
)

// Factory is the TlsAcceptorFactory: it owns a CertStore and hands out
// tls.Config/quic.Config values scoped to a particular protocol's ALPN list
// and client-auth policy.
type Factory struct {
	store *certstore.Store

	// clientAuth is the ClientAuthType every Entry resolvable by store must
	// agree with; internal/cmd's clientAuthPolicy checks that agreement at
	// startup.
	clientAuth tls.ClientAuthType
}

// NewFactory builds a Factory over store, enforcing clientAuth as the
// listener's uniform client-certificate policy.
func NewFactory(store *certstore.Store, clientAuth tls.ClientAuthType) *Factory {
	return &Factory{store: store, clientAuth: clientAuth}
}

// TLSConfig returns a *tls.Config for a stream-oriented listener (DoT, DoH)
// advertising alpn. Certificates, and the client CA pool they verify
// against, are resolved per connection via GetConfigForClient so that a
// domain requiring client auth doesn't leak its CA pool to unrelated SNIs
// sharing the listener.
func (f *Factory) TLSConfig(alpn []string) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		NextProtos:         alpn,
		GetConfigForClient: f.configForClient(alpn),
	}
}

// configForClient returns a GetConfigForClient hook scoped to alpn: it
// resolves the handshake's SNI and returns a config carrying that SNI's
// certificate, client CA pool and client-auth requirement. A resolved entry
// whose RequireAuth disagrees with the listener's configured ClientAuth is
// rejected as a TLSError rather than silently served.
func (f *Factory) configForClient(alpn []string) func(*tls.ClientHelloInfo) (*tls.Config, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		ck, err := f.store.ResolveSNI(hello.ServerName)
		if err != nil {
			return nil, err
		}

		wantAuth := f.clientAuth != tls.NoClientCert
		if ck.RequireAuth != wantAuth {
			return nil, &xerrors.TLSError{
				SNI: hello.ServerName,
				Err: fmt.Errorf("certificate client-auth policy (%v) disagrees with listener policy (%v)", ck.RequireAuth, wantAuth),
			}
		}

		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			NextProtos:   alpn,
			Certificates: []tls.Certificate{*ck.Certificate},
			ClientAuth:   f.clientAuth,
			ClientCAs:    ck.ClientCAs,
		}, nil
	}
}

// ListenTLS opens a TCP listener on addr wrapped in a TLS listener using the
// given ALPN list, the pattern grounded on relay.Server's plain+TLS
// listener split.
func (f *Factory) ListenTLS(network, addr string, alpn []string) (net.Listener, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, &xerrors.BindError{Listener: "tls", Addr: addr, Err: err}
	}

	return tls.NewListener(l, f.TLSConfig(alpn)), nil
}

// QUICConfig returns the shared *quic.Config used by both DoQ and DoH3,
// grounded on secure_dns.go's startQUICServer/startDoH3Server constants.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        defaultIdleTimeout,
		HandshakeIdleTimeout:  defaultHandshakeRTO,
		KeepAlivePeriod:       defaultKeepAlive,
		MaxIncomingStreams:    math.MaxUint16,
		MaxIncomingUniStreams: math.MaxUint16,
	}
}

// ListenQUIC binds a UDP socket on addr and returns an early QUIC listener
// advertising alpn, backed by the factory's CertStore.
func (f *Factory) ListenQUIC(addr string, alpn []string) (*quic.EarlyListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &xerrors.BindError{Listener: "quic", Addr: addr, Err: err}
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, &xerrors.BindError{Listener: "quic", Addr: addr, Err: err}
	}

	transport := &quic.Transport{Conn: conn}

	ln, err := transport.ListenEarly(f.TLSConfig(alpn), QUICConfig())
	if err != nil {
		_ = conn.Close()
		return nil, &xerrors.BindError{Listener: "quic", Addr: addr, Err: err}
	}

	return ln, nil
}
