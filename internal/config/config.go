// Package config is responsible for parsing the front-door's configuration
// file. The core consumes the resulting, already-validated *File; it has no
// opinion on how the file was produced.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ttimochan/dns-frontdoor/internal/xerrors"
)

// File represents the parsed and validated TOML configuration file.
type File struct {
	Rewrite    Rewrite            `toml:"rewrite"`
	Servers    Servers            `toml:"servers"`
	Upstream   Upstream           `toml:"upstream"`
	TLS        TLS                `toml:"tls"`
	Logging    Logging            `toml:"logging"`
	Prometheus *PrometheusSection `toml:"prometheus"`
}

// Rewrite represents the `rewrite` section of the configuration file.
type Rewrite struct {
	// BaseDomains is the ordered list of DNS suffixes recognized as rewrite
	// candidates. First match wins.
	BaseDomains []string `toml:"base_domains"`

	// TargetSuffix is the DNS-name fragment appended to an extracted
	// prefix. Normalized to start with a single dot.
	TargetSuffix string `toml:"target_suffix"`

	// PassthroughDomains is an optional list of go-wildcard patterns that
	// are allowed through unmodified even when RejectUnmatched is set.
	PassthroughDomains []string `toml:"passthrough_domains"`

	// RejectUnmatched, when true, refuses connections whose SNI matched no
	// base domain and no passthrough pattern instead of forwarding to the
	// original SNI unchanged.
	RejectUnmatched bool `toml:"reject_unmatched"`
}

// Servers represents the `servers` section of the configuration file: one
// listener spec per transport, plus the health endpoint.
type Servers struct {
	DoT         ListenerSpec       `toml:"dot"`
	DoH         ListenerSpec       `toml:"doh"`
	DoQ         ListenerSpec       `toml:"doq"`
	DoH3        ListenerSpec       `toml:"doh3"`
	Healthcheck HealthListenerSpec `toml:"healthcheck"`
}

// ListenerSpec is a single transport's listen configuration.
type ListenerSpec struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        uint16 `toml:"port"`
}

// HealthListenerSpec is the health endpoint's listen configuration.
type HealthListenerSpec struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        uint16 `toml:"port"`
	Path        string `toml:"path"`
}

// Upstream represents the `upstream` section of the configuration file.
type Upstream struct {
	// Default is the address used for any transport without a specific
	// override.
	Default string `toml:"default"`

	DoT  string `toml:"dot"`
	DoH  string `toml:"doh"`
	DoQ  string `toml:"doq"`
	DoH3 string `toml:"doh3"`

	// ProxyURL is the optional upstream dialer proxy
	// ([protocol://username:password@]host[:port]) shared by the DoH HTTP/2
	// client and the DoT tunnel upstream. DoH3 and DoQ dial directly.
	ProxyURL string `toml:"proxy_url"`
}

// TLS represents the `tls` section of the configuration file.
type TLS struct {
	Default CertEntry            `toml:"default"`
	Certs   map[string]CertEntry `toml:"certs"`

	// Watch enables fsnotify-driven hot reload of certificate files.
	Watch bool `toml:"watch"`
}

// CertEntry is a single certificate/key pair plus its client-auth policy.
type CertEntry struct {
	CertFile          string `toml:"cert_file"`
	KeyFile           string `toml:"key_file"`
	CAFile            string `toml:"ca_file"`
	RequireClientCert bool   `toml:"require_client_cert"`
}

// IsZero reports whether the entry has no certificate configured.
func (e CertEntry) IsZero() bool {
	return e.CertFile == "" && e.KeyFile == ""
}

// Logging represents the `logging` section of the configuration file.
type Logging struct {
	Level       string `toml:"level"`
	File        string `toml:"file"`
	JSON        bool   `toml:"json"`
	Rotation    bool   `toml:"rotation"`
	MaxFileSize int    `toml:"max_file_size"`
	MaxFiles    int    `toml:"max_files"`
}

// PrometheusSection configures an additional, dedicated scrape listener.
// servers.healthcheck already exposes the same data; this section exists
// for operators who want metrics on a separate address.
type PrometheusSection struct {
	Addr string `toml:"addr"`
	Port uint16 `toml:"port"`
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (cfg *File, err error) {
	// #nosec G304 -- the path comes from a trusted operator-supplied flag.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg = &File{}
	if err = toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err = validate(cfg); err != nil {
		return nil, err
	}

	normalize(cfg)

	return cfg, nil
}

// validate checks the config file for malformed or missing required keys,
// reported as *xerrors.ConfigError per spec.md §7's error taxonomy: this
// class is always fatal at startup.
func validate(cfg *File) (err error) {
	if len(cfg.Rewrite.BaseDomains) == 0 {
		return &xerrors.ConfigError{Key: "rewrite.base_domains", Reason: "is required"}
	}

	if cfg.Rewrite.TargetSuffix == "" {
		return &xerrors.ConfigError{Key: "rewrite.target_suffix", Reason: "is required"}
	}

	if cfg.Upstream.Default == "" {
		return &xerrors.ConfigError{Key: "upstream.default", Reason: "is required"}
	}

	anyEnabled := cfg.Servers.DoT.Enabled || cfg.Servers.DoH.Enabled ||
		cfg.Servers.DoQ.Enabled || cfg.Servers.DoH3.Enabled

	if !anyEnabled {
		return &xerrors.ConfigError{Key: "servers", Reason: "at least one transport server must be enabled"}
	}

	if cfg.TLS.Default.IsZero() && len(cfg.TLS.Certs) == 0 {
		return &xerrors.ConfigError{Key: "tls", Reason: "default or at least one certs entry is required"}
	}

	return nil
}

// normalize mutates cfg in place to apply the shape guarantees the rest of
// the system relies on: lower-cased base domains, a leading-dot target
// suffix.
func normalize(cfg *File) {
	for i, d := range cfg.Rewrite.BaseDomains {
		cfg.Rewrite.BaseDomains[i] = strings.ToLower(strings.TrimSuffix(d, "."))
	}

	if !strings.HasPrefix(cfg.Rewrite.TargetSuffix, ".") {
		cfg.Rewrite.TargetSuffix = "." + cfg.Rewrite.TargetSuffix
	}
}
