// Package health implements the HealthEndpoint: a small long-lived HTTP
// server exposing a liveness check, Prometheus text exposition, and a JSON
// mirror of the same metrics snapshot.
//
// Grounded on internal/cmd/cmd.go's serveMetrics (same http.ServeMux /
// http.Server construction idiom), generalized into its own component
// instead of a one-off function so the Supervisor can start/stop it like
// any other reader.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ttimochan/dns-frontdoor/internal/metrics"
	"github.com/ttimochan/dns-frontdoor/internal/xerrors"
)

// Endpoint is the HealthEndpoint component.
type Endpoint struct {
	addr         string
	livenessPath string
	sink         *metrics.Sink

	srv     *http.Server
	ln      net.Listener
	done    chan struct{}
	stopped atomic.Bool
}

// New builds an Endpoint bound to addr, serving the liveness JSON at
// livenessPath (spec.md §4.7's "{path}"), Prometheus text at /metrics and
// /stats, and a JSON metrics mirror at /metrics/json.
func New(addr, livenessPath string, sink *metrics.Sink) *Endpoint {
	if livenessPath == "" {
		livenessPath = "/health-check"
	}

	e := &Endpoint{addr: addr, livenessPath: livenessPath, sink: sink}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, e.serveLiveness)
	mux.Handle("/metrics", promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/stats", promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/metrics/json", e.serveJSON)
	mux.HandleFunc("/", e.serveNotFound)

	e.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}

	return e
}

// Start binds the listener and begins serving in a background goroutine.
func (e *Endpoint) Start(context.Context) (err error) {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return &xerrors.BindError{Listener: "health", Addr: e.addr, Err: err}
	}

	e.ln = ln
	e.done = make(chan struct{})
	e.stopped.Store(false)

	log.Info("health: listening on %s", ln.Addr())

	go func() {
		defer close(e.done)

		if serr := e.srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			log.Error("health: server error: %v", serr)
		}
	}()

	return nil
}

// Stop gracefully shuts the HTTP server down.
func (e *Endpoint) Stop() error {
	e.stopped.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return e.srv.Shutdown(ctx)
}

// Crashed returns a channel that is closed when the server stops serving for
// a reason other than Stop, letting the Supervisor restart this endpoint.
func (e *Endpoint) Crashed() <-chan struct{} {
	done, crashed := e.done, make(chan struct{})

	go func() {
		<-done

		if !e.stopped.Load() {
			close(crashed)
		}
	}()

	return crashed
}

// Addr returns the address the listener is bound to.
func (e *Endpoint) Addr() string {
	if e.ln == nil {
		return e.addr
	}

	return e.ln.Addr().String()
}

func (e *Endpoint) serveLiveness(w http.ResponseWriter, _ *http.Request) {
	snap := e.sink.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		metrics.Snapshot
	}{Status: "ok", Snapshot: snap})
}

func (e *Endpoint) serveJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(e.sink.Snapshot())
}

func (e *Endpoint) serveNotFound(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == e.livenessPath {
		e.serveLiveness(w, r)

		return
	}

	http.NotFound(w, r)
}
