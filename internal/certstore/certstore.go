// Package certstore implements the dynamic TLS certificate resolver: given
// the SNI presented during a handshake, it returns the certified key that
// should be served for that connection.
package certstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/AdguardTeam/golibs/log"
	"github.com/fsnotify/fsnotify"

	"github.com/ttimochan/dns-frontdoor/internal/xerrors"
)

// Entry is the source configuration for one certificate: the PEM files to
// load, and whether connections resolving to it must present a client
// certificate. Entries are immutable once loaded.
type Entry struct {
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientCert bool
}

// CertifiedKey is the immutable, parsed result of loading an Entry: a
// certificate chain paired with its signing key, and the verification pool
// for client certificates if the entry requires them.
type CertifiedKey struct {
	Certificate *tls.Certificate
	ClientCAs   *x509.CertPool
	RequireAuth bool
}

// Store is the CertStore: a frozen config map (SNI/base-domain → Entry)
// plus a lazily-populated, never-evicted loaded cache (SNI → *CertifiedKey).
//
// Per spec.md §4.2, lookups are read-mostly: concurrent readers only share
// the read lock on a cache hit, and only the first resolution that loads a
// given entry takes the write path.
type Store struct {
	exact   map[string]Entry
	base    []baseEntry // longest base domain first
	def     *Entry

	mu     sync.RWMutex
	loaded map[string]*CertifiedKey
}

type baseEntry struct {
	domain string
	entry  Entry
}

// New builds a Store from the exact-match config map and the optional
// default entry. domains whose key looks like a suffix match ("a base
// domain that S *ends with*") are additionally indexed for step 2 of the
// resolution order; since the config schema does not distinguish exact
// hostnames from base domains syntactically, every configured key is
// treated as both an exact candidate and a base-domain candidate.
func New(certs map[string]Entry, def *Entry) (s *Store, err error) {
	s = &Store{
		exact:  make(map[string]Entry, len(certs)),
		loaded: make(map[string]*CertifiedKey),
		def:    def,
	}

	for domain, entry := range certs {
		lower := strings.ToLower(domain)
		s.exact[lower] = entry
		s.base = append(s.base, baseEntry{domain: lower, entry: entry})
	}

	// Longest domain first, so the base-domain match in step 2 prefers the
	// most specific suffix when more than one configured domain matches.
	for i := 1; i < len(s.base); i++ {
		for j := i; j > 0 && len(s.base[j].domain) > len(s.base[j-1].domain); j-- {
			s.base[j], s.base[j-1] = s.base[j-1], s.base[j]
		}
	}

	return s, nil
}

// Resolve implements the tls.Config.GetCertificate callback contract:
// it must be fast, and non-blocking after the first resolution of a given
// SNI (spec.md §4.2). It follows the resolution order: exact match, longest
// base-domain match, default, not-found.
func (s *Store) Resolve(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	ck, err := s.ResolveSNI(hello.ServerName)
	if err != nil {
		return nil, err
	}

	return ck.Certificate, nil
}

// ResolveSNI resolves sni to a *CertifiedKey, loading and caching it on
// first use. It returns xerrors.TLSError when no entry matches sni and no
// default is configured.
func (s *Store) ResolveSNI(sni string) (ck *CertifiedKey, err error) {
	lower := strings.ToLower(sni)

	entry, key, found := s.lookupEntry(lower)
	if !found {
		return nil, &xerrors.TLSError{SNI: sni, Err: fmt.Errorf("no certificate configured")}
	}

	s.mu.RLock()
	ck, hit := s.loaded[key]
	s.mu.RUnlock()

	if hit {
		return ck, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have loaded it while we waited for the lock.
	if ck, hit = s.loaded[key]; hit {
		return ck, nil
	}

	ck, err = load(entry)
	if err != nil {
		return nil, &xerrors.TLSError{SNI: sni, Err: err}
	}

	s.loaded[key] = ck
	log.Debug("certstore: loaded certificate for %s (matched %s)", sni, key)

	return ck, nil
}

// Watch starts an fsnotify watcher over every configured cert/key/ca file and
// drops the loaded cache whenever one changes, so the next ResolveSNI call
// reloads the updated material from disk. It returns once the watcher is
// armed; the watch loop itself runs until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("certstore: creating watcher: %w", err)
	}

	for _, f := range s.files() {
		if werr := w.Add(f); werr != nil {
			log.Error("certstore: watching %s: %v", f, werr)
		}
	}

	go func() {
		defer func() { _ = w.Close() }()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}

				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Info("certstore: %s changed, invalidating loaded cache", ev.Name)
					s.invalidate()
				}

			case werr, ok := <-w.Errors:
				if !ok {
					return
				}

				log.Error("certstore: watcher error: %v", werr)
			}
		}
	}()

	return nil
}

// files lists every PEM path referenced by the store's entries, for Watch to
// arm a watcher over.
func (s *Store) files() []string {
	var out []string

	add := func(e Entry) {
		if e.CertFile != "" {
			out = append(out, e.CertFile)
		}
		if e.KeyFile != "" {
			out = append(out, e.KeyFile)
		}
		if e.CAFile != "" {
			out = append(out, e.CAFile)
		}
	}

	if s.def != nil {
		add(*s.def)
	}

	for _, b := range s.base {
		add(b.entry)
	}

	return out
}

// invalidate drops every entry from the loaded cache, forcing a reload from
// disk on next resolution.
func (s *Store) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded = make(map[string]*CertifiedKey)
}

// lookupEntry implements steps 1-3 of spec.md §4.2's resolution order. key
// is the cache key under which the resolved entry should be stored: sni
// itself for an exact match, the matched base domain for a base-domain
// match, and "*default*" for the default entry (so that every SNI sharing a
// base domain, or falling back to the default, reuses one loaded cache
// entry instead of reloading per-hostname).
func (s *Store) lookupEntry(sni string) (entry Entry, key string, found bool) {
	if e, ok := s.exact[sni]; ok {
		return e, sni, true
	}

	for _, b := range s.base {
		if strings.HasSuffix(sni, b.domain) {
			return b.entry, b.domain, true
		}
	}

	if s.def != nil {
		return *s.def, "*default*", true
	}

	return Entry{}, "", false
}

// load reads the PEM files referenced by entry and builds an immutable
// CertifiedKey.
func load(entry Entry) (ck *CertifiedKey, err error) {
	cert, err := tls.LoadX509KeyPair(entry.CertFile, entry.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading cert/key pair: %w", err)
	}

	ck = &CertifiedKey{Certificate: &cert, RequireAuth: entry.RequireClientCert}

	if entry.CAFile != "" {
		pemBytes, rerr := os.ReadFile(entry.CAFile)
		if rerr != nil {
			return nil, fmt.Errorf("reading ca file: %w", rerr)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("no certificates found in %s", entry.CAFile)
		}

		ck.ClientCAs = pool
	}

	return ck, nil
}
