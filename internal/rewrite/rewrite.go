// Package rewrite implements the SNI rewrite algorithm: it recognizes an
// incoming server name as belonging to one of the configured base domains
// and, if so, produces the hostname that should be used towards the
// upstream resolver instead of the original one. Certificate selection is
// not affected: the certificate store resolves the original SNI.
package rewrite

import (
	"strings"
	"sync"

	"github.com/AdguardTeam/golibs/container"
	"github.com/IGLOU-EU/go-wildcard"
)

// Result is the value produced by a Rewrite call. When ok is true, Target
// and BaseDomain (or Passthrough) describe the match; when ok is false,
// Reject is the only field that matters to the caller.
type Result struct {
	SNI        string
	Target     string
	BaseDomain string

	// Passthrough is set when sni matched a configured passthrough pattern
	// rather than a base domain: Target equals SNI unchanged.
	Passthrough bool

	// Reject is set when ok is false and cfg.RejectUnmatched is true: the
	// caller must refuse the connection instead of forwarding it under its
	// original SNI.
	Reject bool
}

// SNIRewriter is the polymorphic capability spec.md §9 asks for: a pure
// function from an SNI to an optional Result. The base implementation is
// *StaticRewriter; a regex- or table-driven implementation can satisfy the
// same interface unchanged.
type SNIRewriter interface {
	// Rewrite returns the Result for sni, and ok=false if neither a base
	// domain nor a passthrough pattern matched.
	Rewrite(sni string) (res Result, ok bool)
}

// Config is the validated rewrite configuration: an ordered list of base
// domains and the suffix appended to the matched prefix.
type Config struct {
	// BaseDomains is tried in order; the first match wins. Domains are
	// expected to already be lower-cased (see config.normalize).
	BaseDomains []string

	// TargetSuffix is expected to already start with a single dot.
	TargetSuffix string

	// PassthroughDomains is an optional list of go-wildcard patterns
	// (supplemented feature) matched against an SNI that matched no base
	// domain: a match is forwarded unchanged instead of being rejected.
	PassthroughDomains []string

	// RejectUnmatched, when true, makes Rewrite report Reject=true for any
	// SNI matching neither a base domain nor a passthrough pattern.
	RejectUnmatched bool
}

// Validate checks the invariants spec.md §3 places on RewriteConfig: base
// domains and target suffix are non-empty, and base domains contain no
// duplicates.
func (c Config) Validate() error {
	if len(c.BaseDomains) == 0 {
		return errEmptyBaseDomains
	}

	if c.TargetSuffix == "" || c.TargetSuffix == "." {
		return errEmptyTargetSuffix
	}

	seen := container.NewMapSet[string]()
	for _, d := range c.BaseDomains {
		if d == "" {
			return errEmptyBaseDomains
		}

		if seen.Has(d) {
			return &duplicateBaseDomainError{domain: d}
		}

		seen.Add(d)
	}

	return nil
}

// StaticRewriter implements SNIRewriter with the suffix-matching algorithm
// from spec.md §4.1, memoized in a concurrent cache.
//
// The cache grows monotonically and is never evicted: every entry is a pure
// function of sni and cfg, which never change after construction.
type StaticRewriter struct {
	cfg Config

	cache sync.Map // string -> cacheEntry

	// onMiss, when non-nil, is invoked once per cache-miss that produced a
	// Result (i.e. the metrics "rewrites" counter).
	onMiss func()
}

type cacheEntry struct {
	result Result
	ok     bool
}

// type check.
var _ SNIRewriter = (*StaticRewriter)(nil)

// New creates a *StaticRewriter for cfg. onMiss, if non-nil, is called
// exactly once per SNI the first time it is successfully rewritten.
func New(cfg Config, onMiss func()) (r *StaticRewriter, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return &StaticRewriter{cfg: cfg, onMiss: onMiss}, nil
}

// Rewrite implements the SNIRewriter interface for *StaticRewriter.
func (r *StaticRewriter) Rewrite(sni string) (res Result, ok bool) {
	if v, hit := r.cache.Load(sni); hit {
		entry := v.(cacheEntry)

		return entry.result, entry.ok
	}

	res, ok = r.compute(sni)

	_, loaded := r.cache.LoadOrStore(sni, cacheEntry{result: res, ok: ok})
	if !loaded && ok && r.onMiss != nil {
		r.onMiss()
	}

	return res, ok
}

// compute runs the matching algorithm described in spec.md §4.1 against
// r.cfg.BaseDomains, in configuration order, then falls back to the
// supplemented passthrough/reject-unmatched behavior.
func (r *StaticRewriter) compute(sni string) (res Result, ok bool) {
	lower := strings.ToLower(sni)

	for _, base := range r.cfg.BaseDomains {
		rest, matched := matchBase(lower, base)
		if !matched {
			continue
		}

		// rest is the lower-cased remainder; recover the original casing by
		// slicing sni at the same byte offset (ASCII-only domain names make
		// byte offsets equivalent between the two).
		prefixLen := len(rest) - 1 // drop the trailing dot counted in rest
		prefix := sni[:prefixLen]

		if !validPrefix(prefix) {
			continue
		}

		return Result{
			SNI:        sni,
			Target:     prefix + r.cfg.TargetSuffix,
			BaseDomain: base,
		}, true
	}

	for _, pattern := range r.cfg.PassthroughDomains {
		if wildcard.MatchSimple(pattern, lower) {
			return Result{SNI: sni, Target: sni, Passthrough: true}, true
		}
	}

	return Result{SNI: sni, Reject: r.cfg.RejectUnmatched}, false
}

// matchBase checks that lower ends with ".base" (step 1.a/1.b of spec.md
// §4.1) and returns the remainder including the trailing dot, e.g. for
// lower="www.example.org" and base="example.org" it returns
// ("www.", true).
func matchBase(lower, base string) (rest string, ok bool) {
	if !strings.HasSuffix(lower, base) {
		return "", false
	}

	rest = strings.TrimSuffix(lower, base)
	if !strings.HasSuffix(rest, ".") || len(rest) < 2 {
		// Either an exact match (rest == "") or a malformed match missing
		// the label separator (e.g. "xexample.org").
		return "", false
	}

	return rest, true
}

// validPrefix rejects prefixes with empty labels: a leading dot or a
// doubled dot (step 1.c of spec.md §4.1).
func validPrefix(prefix string) bool {
	if prefix == "" || strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return false
	}

	return !strings.Contains(prefix, "..")
}
