package rewrite_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ttimochan/dns-frontdoor/internal/rewrite"
)

func testConfig() rewrite.Config {
	return rewrite.Config{
		BaseDomains:  []string{"example.com", "example.org"},
		TargetSuffix: ".example.cn",
	}
}

// TestRewrite_scenarios checks scenarios S1-S4 from spec.md §8.
func TestRewrite_scenarios(t *testing.T) {
	r, err := rewrite.New(testConfig(), nil)
	require.NoError(t, err)

	testCases := []struct {
		name       string
		sni        string
		wantOK     bool
		wantTarget string
		wantBase   string
	}{
		{
			name:       "S1_subdomain_of_second_base",
			sni:        "www.example.org",
			wantOK:     true,
			wantTarget: "www.example.cn",
			wantBase:   "example.org",
		},
		{
			name:       "S2_subdomain_of_first_base",
			sni:        "api.example.com",
			wantOK:     true,
			wantTarget: "api.example.cn",
			wantBase:   "example.com",
		},
		{
			name:   "S3_exact_match_is_not_a_match",
			sni:    "example.org",
			wantOK: false,
		},
		{
			name:   "S4_unrelated_domain",
			sni:    "www.other.com",
			wantOK: false,
		},
		{
			name:   "malformed_suffix_without_label_boundary",
			sni:    "xexample.org",
			wantOK: false,
		},
		{
			name:   "empty_label_prefix",
			sni:    "..example.org",
			wantOK: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, ok := r.Rewrite(tc.sni)
			require.Equal(t, tc.wantOK, ok)

			if !tc.wantOK {
				return
			}

			require.Equal(t, tc.sni, res.SNI)
			require.Equal(t, tc.wantTarget, res.Target)
			require.Equal(t, tc.wantBase, res.BaseDomain)
		})
	}
}

// TestRewrite_caseInsensitiveMatchCasePreservingTarget checks that matching
// is case-insensitive while the returned prefix preserves original casing.
func TestRewrite_caseInsensitiveMatchCasePreservingTarget(t *testing.T) {
	r, err := rewrite.New(testConfig(), nil)
	require.NoError(t, err)

	res, ok := r.Rewrite("WWW.Example.ORG")
	require.True(t, ok)
	require.Equal(t, "WWW.example.cn", res.Target)
	require.Equal(t, "example.org", res.BaseDomain)
}

// TestRewrite_invariant1 checks invariant 1 from spec.md §8: sni ends with
// ".base", target equals strip_suffix(sni, "."+base)+target_suffix, target
// is non-empty, and no label in target is empty.
func TestRewrite_invariant1(t *testing.T) {
	cfg := testConfig()
	r, err := rewrite.New(cfg, nil)
	require.NoError(t, err)

	inputs := []string{"a.example.com", "a.b.c.example.org", "x.y.example.com"}
	for _, sni := range inputs {
		res, ok := r.Rewrite(sni)
		require.True(t, ok)

		require.True(t, len(res.SNI) > len(res.BaseDomain))
		require.Equal(t, res.SNI[len(res.SNI)-len(res.BaseDomain)-1:], "."+res.BaseDomain)

		prefix := res.SNI[:len(res.SNI)-len(res.BaseDomain)-1]
		require.Equal(t, prefix+cfg.TargetSuffix, res.Target)
		require.NotEmpty(t, res.Target)

		for _, label := range splitLabels(res.Target) {
			require.NotEmpty(t, label)
		}
	}
}

// TestRewrite_cacheCoherence checks invariant 3: repeated calls return equal
// results and onMiss fires exactly once per distinct SNI.
func TestRewrite_cacheCoherence(t *testing.T) {
	var misses int64
	r, err := rewrite.New(testConfig(), func() { atomic.AddInt64(&misses, 1) })
	require.NoError(t, err)

	first, ok := r.Rewrite("www.example.org")
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		again, ok := r.Rewrite("www.example.org")
		require.True(t, ok)
		require.Equal(t, first, again)
	}

	require.EqualValues(t, 1, atomic.LoadInt64(&misses))

	// A distinct SNI that doesn't match anything is still cached, but never
	// increments the miss counter since no Result was produced.
	_, ok = r.Rewrite("www.other.com")
	require.False(t, ok)
	_, ok = r.Rewrite("www.other.com")
	require.False(t, ok)
	require.EqualValues(t, 1, atomic.LoadInt64(&misses))
}

// TestRewrite_idempotence checks invariant 2: rewriting a target again never
// loops back to the original SNI unless target == sni.
func TestRewrite_idempotence(t *testing.T) {
	r, err := rewrite.New(testConfig(), nil)
	require.NoError(t, err)

	res, ok := r.Rewrite("www.example.org")
	require.True(t, ok)
	require.Equal(t, "www.example.cn", res.Target)

	again, ok := r.Rewrite(res.Target)
	require.False(t, ok)
	require.NotEqual(t, "www.example.org", res.Target)
	_ = again
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     rewrite.Config
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     testConfig(),
			wantErr: false,
		},
		{
			name:    "empty_base_domains",
			cfg:     rewrite.Config{TargetSuffix: ".example.cn"},
			wantErr: true,
		},
		{
			name:    "empty_target_suffix",
			cfg:     rewrite.Config{BaseDomains: []string{"example.com"}},
			wantErr: true,
		},
		{
			name: "duplicate_base_domain",
			cfg: rewrite.Config{
				BaseDomains:  []string{"example.com", "example.com"},
				TargetSuffix: ".example.cn",
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func splitLabels(name string) (labels []string) {
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			labels = append(labels, name[start:i])
			start = i + 1
		}
	}

	labels = append(labels, name[start:])

	return labels
}
