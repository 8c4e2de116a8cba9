// Package cmd is responsible for the program's command-line interface: it
// parses flags and the TOML config file, wires every component together,
// and hands control to the Supervisor.
package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"os"
	"runtime/debug"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/getsentry/sentry-go"
	goFlags "github.com/jessevdk/go-flags"
	"golang.org/x/net/proxy"

	"github.com/ttimochan/dns-frontdoor/internal/acceptor"
	"github.com/ttimochan/dns-frontdoor/internal/certstore"
	"github.com/ttimochan/dns-frontdoor/internal/config"
	"github.com/ttimochan/dns-frontdoor/internal/doh"
	"github.com/ttimochan/dns-frontdoor/internal/doh3"
	"github.com/ttimochan/dns-frontdoor/internal/doq"
	"github.com/ttimochan/dns-frontdoor/internal/dot"
	"github.com/ttimochan/dns-frontdoor/internal/health"
	"github.com/ttimochan/dns-frontdoor/internal/metrics"
	"github.com/ttimochan/dns-frontdoor/internal/rewrite"
	"github.com/ttimochan/dns-frontdoor/internal/supervisor"
	"github.com/ttimochan/dns-frontdoor/internal/upstream"
)

// Main is the entry point of the program.
func Main() {
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("dns-frontdoor version: %s\n", version())

		os.Exit(0)
	}

	o, err := parseOptions()
	var flagErr *goFlags.Error
	if errors.As(err, &flagErr) && flagErr.Type == goFlags.ErrHelp {
		// This is a special case when we exit process here as we received
		// --help.
		os.Exit(0)
	}

	check("parse args", err)

	if o.Verbose {
		log.SetLevel(log.DEBUG)
	}

	cfg, err := config.Load(o.ConfigPath)
	check("load config file", err)

	setUpLogging(cfg.Logging)

	_ = sentry.Init(sentry.ClientOptions{Release: version(), AttachStacktrace: true})
	defer sentry.Flush(2 * time.Second)

	sink := metrics.New()

	rewriteCfg := rewrite.Config{
		BaseDomains:        cfg.Rewrite.BaseDomains,
		TargetSuffix:       cfg.Rewrite.TargetSuffix,
		PassthroughDomains: cfg.Rewrite.PassthroughDomains,
		RejectUnmatched:    cfg.Rewrite.RejectUnmatched,
	}

	store, err := certstore.New(toEntries(cfg.TLS.Certs), toEntry(cfg.TLS.Default))
	check("build certificate store", err)

	if cfg.TLS.Watch {
		check("watch certificate files", store.Watch(context.Background()))
	}

	clientAuth, err := clientAuthPolicy(cfg)
	check("determine client-auth policy", err)

	factory := acceptor.NewFactory(store, clientAuth)

	dialer, err := upstreamDialer(cfg.Upstream.ProxyURL)
	check("build upstream dialer", err)

	httpUp := upstream.NewHTTPUpstream(dialer)
	tlsUp := upstream.NewTLSTunnelUpstream(dialer)
	quicUp := upstream.NewQUICTunnelUpstream()

	sup := supervisor.New()
	ctx := context.Background()

	if cfg.Servers.DoT.Enabled {
		rewriter, rerr := newRewriter(rewriteCfg, sink, metrics.ProtoDoT)
		check("build dot rewriter", rerr)

		sup.Register("dot", dot.New(
			netutil.JoinHostPort(cfg.Servers.DoT.BindAddress, cfg.Servers.DoT.Port),
			upstreamFor(cfg.Upstream.DoT, cfg.Upstream.Default),
			factory, rewriter, tlsUp, sink,
		))
	}

	if cfg.Servers.DoQ.Enabled {
		rewriter, rerr := newRewriter(rewriteCfg, sink, metrics.ProtoDoQ)
		check("build doq rewriter", rerr)

		sup.Register("doq", doq.New(
			netutil.JoinHostPort(cfg.Servers.DoQ.BindAddress, cfg.Servers.DoQ.Port),
			upstreamFor(cfg.Upstream.DoQ, cfg.Upstream.Default),
			factory, rewriter, quicUp, sink,
		))
	}

	if cfg.Servers.DoH.Enabled {
		rewriter, rerr := newRewriter(rewriteCfg, sink, metrics.ProtoDoH)
		check("build doh rewriter", rerr)

		r, herr := doh.New(
			netutil.JoinHostPort(cfg.Servers.DoH.BindAddress, cfg.Servers.DoH.Port),
			upstreamFor(cfg.Upstream.DoH, cfg.Upstream.Default),
			factory, rewriter, httpUp, sink,
		)
		check("build doh reader", herr)
		sup.Register("doh", r)
	}

	if cfg.Servers.DoH3.Enabled {
		rewriter, rerr := newRewriter(rewriteCfg, sink, metrics.ProtoDoH3)
		check("build doh3 rewriter", rerr)

		r, herr := doh3.New(
			netutil.JoinHostPort(cfg.Servers.DoH3.BindAddress, cfg.Servers.DoH3.Port),
			upstreamFor(cfg.Upstream.DoH3, cfg.Upstream.Default),
			factory, rewriter, httpUp, sink,
		)
		check("build doh3 reader", herr)
		sup.Register("doh3", r)
	}

	if cfg.Servers.Healthcheck.Enabled {
		sup.Register("health", health.New(
			netutil.JoinHostPort(cfg.Servers.Healthcheck.BindAddress, cfg.Servers.Healthcheck.Port),
			cfg.Servers.Healthcheck.Path,
			sink,
		))
	}

	if cfg.Prometheus != nil {
		// servers.healthcheck already exposes /metrics; this is only for
		// operators who asked for a dedicated scrape listener.
		sup.Register("prometheus", health.New(
			netutil.JoinHostPort(cfg.Prometheus.Addr, cfg.Prometheus.Port), "/health-check", sink,
		))
	}

	os.Exit(sup.Run(ctx))
}

// check logs and exits the process if err is not nil.
func check(operationName string, err error) {
	if err != nil {
		log.Error("failed to %s: %v", operationName, err)

		os.Exit(1)
	}
}

// version reports the module's build version, falling back to "dev" when
// built without VCS stamping (e.g. go run, or a build outside a tagged
// module).
func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}

	return info.Main.Version
}

// setUpLogging applies the logging section of the config file to the
// process-wide logger. json, rotation, max_file_size and max_files are
// accepted but currently unwired: golibs/log has no rotating or JSON-mode
// writer, and no rotation library is used elsewhere in this codebase.
func setUpLogging(cfg config.Logging) {
	switch cfg.Level {
	case "debug":
		log.SetLevel(log.DEBUG)
	case "error":
		log.SetLevel(log.ERROR)
	case "", "info":
		// log defaults to INFO.
	default:
		log.Error("logging: unknown level %q, keeping default", cfg.Level)
	}

	if cfg.File == "" {
		return
	}

	// #nosec G302 -- log files are operator-owned, not secrets.
	f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		log.Error("logging: opening %s: %v, logging to stderr", cfg.File, err)

		return
	}

	log.SetOutput(f)
}

// upstreamFor returns override if set, falling back to def: cfg.upstream's
// per-transport overrides fall back to upstream.default.
func upstreamFor(override, def string) string {
	if override != "" {
		return override
	}

	return def
}

// newRewriter builds a *rewrite.StaticRewriter for one protocol reader,
// wiring its onMiss hook to the rewrites_total counter for proto. Each
// reader gets its own rewriter instance (and so its own memoized cache)
// rather than sharing one across protocols, so the "first occurrence"
// rewrites counter is scoped per-proto the way its label implies, instead
// of crediting whichever protocol happened to see a given SNI first.
func newRewriter(cfg rewrite.Config, sink *metrics.Sink, proto metrics.Proto) (*rewrite.StaticRewriter, error) {
	return rewrite.New(cfg, func() { sink.Rewrite(proto) })
}

// upstreamDialer builds the proxy.Dialer shared by the TCP-based upstreams
// (DoH's pooled HTTP/2 client and DoT's per-connection tunnel): a SOCKS5
// proxy.FromURL dialer when proxyURL is set, proxy.Direct otherwise. The
// QUIC-based upstreams (DoH3's http3 transport and DoQ) do not use it and
// always dial directly.
func upstreamDialer(proxyURL string) (proxy.Dialer, error) {
	if proxyURL == "" {
		return proxy.Direct, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream.proxy_url: %w", err)
	}

	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("building proxy dialer: %w", err)
	}

	return d, nil
}

// toEntries converts the config file's certificate map into certstore
// entries.
func toEntries(certs map[string]config.CertEntry) map[string]certstore.Entry {
	out := make(map[string]certstore.Entry, len(certs))
	for domain, e := range certs {
		out[domain] = toEntryValue(e)
	}

	return out
}

// toEntry converts def into a *certstore.Entry, or nil if it carries no
// certificate.
func toEntry(def config.CertEntry) *certstore.Entry {
	if def.IsZero() {
		return nil
	}

	e := toEntryValue(def)

	return &e
}

func toEntryValue(e config.CertEntry) certstore.Entry {
	return certstore.Entry{
		CertFile:          e.CertFile,
		KeyFile:           e.KeyFile,
		CAFile:            e.CAFile,
		RequireClientCert: e.RequireClientCert,
	}
}

// clientAuthPolicy derives the single tls.ClientAuthType every listener is
// bound with. acceptor.Factory enforces one uniform policy per listener
// (see its configForClient doc), so every configured certificate entry
// (default plus every tls.certs value) must agree on require_client_cert;
// a disagreement is a configuration error caught at startup rather than a
// per-connection TLSError at serve time.
func clientAuthPolicy(cfg *config.File) (tls.ClientAuthType, error) {
	var set, requireAuth bool

	agree := func(e config.CertEntry) error {
		if e.IsZero() {
			return nil
		}

		if !set {
			requireAuth, set = e.RequireClientCert, true

			return nil
		}

		if e.RequireClientCert != requireAuth {
			return fmt.Errorf("tls: every certificate entry must agree on require_client_cert")
		}

		return nil
	}

	if err := agree(cfg.TLS.Default); err != nil {
		return 0, err
	}

	for _, e := range cfg.TLS.Certs {
		if err := agree(e); err != nil {
			return 0, err
		}
	}

	if requireAuth {
		return tls.RequireAndVerifyClientCert, nil
	}

	return tls.NoClientCert, nil
}
