// Package cachecontrol maps cache duration tiers to HTTP caching headers and
// removes cached entities on write.
package cachecontrol

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Duration is a cache tier.
type Duration string

const (
	Short  Duration = "short"
	Medium Duration = "medium"
	Long   Duration = "long"
)

// ParseDuration maps a tier name; empty means Medium.
func ParseDuration(value string) (Duration, error) {
	switch d := Duration(strings.ToLower(strings.TrimSpace(value))); d {
	case "":
		return Medium, nil
	case Short, Medium, Long:
		return d, nil
	}
	return "", fmt.Errorf("unknown cache duration %q", value)
}

// Tiers holds one value per Duration.
type Tiers struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

func (t Tiers) get(d Duration) time.Duration {
	switch d {
	case Short:
		return t.Short
	case Long:
		return t.Long
	default:
		return t.Medium
	}
}

// DefaultMaxAge is used when no tier values are configured.
var DefaultMaxAge = Tiers{Short: 10 * time.Second, Medium: 300 * time.Second, Long: time.Hour}

// DefaultStaleWhileRevalidate holds the revalidation window per tier.
var DefaultStaleWhileRevalidate = Tiers{Short: time.Minute, Medium: 10 * time.Minute, Long: 24 * time.Hour}

// Options selects the headers for one response.
type Options struct {
	Duration             Duration
	StaleWhileRevalidate bool
	SMaxAgeOverride      time.Duration
	AllowPurge           bool
	// Tags are emitted as Cache-Tag when purging is allowed.
	Tags []string
}

// Policy builds caching headers.
type Policy struct {
	maxAge Tiers
	swr    Tiers
}

// NewPolicy fills zero tiers from the defaults.
func NewPolicy(maxAge, swr Tiers) *Policy {
	return &Policy{maxAge: withDefaults(maxAge, DefaultMaxAge), swr: withDefaults(swr, DefaultStaleWhileRevalidate)}
}

func withDefaults(t, def Tiers) Tiers {
	if t.Short <= 0 {
		t.Short = def.Short
	}
	if t.Medium <= 0 {
		t.Medium = def.Medium
	}
	if t.Long <= 0 {
		t.Long = def.Long
	}
	return t
}

// MaxAge returns the shared-cache lifetime for d.
func (p *Policy) MaxAge(d Duration) time.Duration {
	return p.maxAge.get(d)
}

// Headers returns the caching headers for opts.
func (p *Policy) Headers(opts Options) http.Header {
	maxAge := p.maxAge.get(opts.Duration)
	if opts.SMaxAgeOverride > 0 {
		maxAge = opts.SMaxAgeOverride
	}
	value := "public, s-maxage=" + seconds(maxAge)
	if opts.StaleWhileRevalidate {
		value += ", stale-while-revalidate=" + seconds(p.swr.get(opts.Duration))
	}

	h := http.Header{}
	h.Set("Cache-Control", value)
	h.Set("CDN-Cache-Control", value)
	if opts.AllowPurge {
		h.Set("X-Cache-Purge", "allowed")
		if len(opts.Tags) > 0 {
			h.Set("Cache-Tag", strings.Join(opts.Tags, ","))
		}
	}
	return h
}

// NoStore returns headers for responses that must never be cached.
func (p *Policy) NoStore() http.Header {
	h := http.Header{}
	h.Set("Cache-Control", "private, no-store, max-age=0")
	return h
}

// Apply copies h into w's headers.
func Apply(w http.ResponseWriter, h http.Header) {
	for key, values := range h {
		w.Header()[key] = values
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
