// Package collector provides the placeholder collection capability. It
// returns a fixed set of company records shaped by the job criteria.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/Ank61/leadengine/internal/scrape"
)

// DefaultDelay simulates the latency of a real collection run.
const DefaultDelay = 2 * time.Second

// Stub is a deterministic scrape.Collector.
type Stub struct {
	Delay time.Duration
}

// NewStub returns a Stub that waits delay before answering.
func NewStub(delay time.Duration) *Stub {
	return &Stub{Delay: delay}
}

type company struct {
	name, website, email, phone, slug string
	confidence                        float64
	keywords                          int
}

var companies = []company{
	{name: "Acme Corp", website: "https://acme.com", email: "contact@acme.com", phone: "+1-555-0100", slug: "acme", confidence: 0.85, keywords: 2},
	{name: "Beta Solutions", website: "https://beta.com", email: "info@beta.com", phone: "+1-555-0200", slug: "beta", confidence: 0.92, keywords: 1},
	{name: "Gamma Tech", website: "https://gamma.tech", email: "hello@gamma.tech", phone: "+1-555-0300", slug: "gamma", confidence: 0.78, keywords: -1},
}

// Collect returns three records. Identical criteria always produce identical
// records, so a repeated job is fully deduplicated.
func (s *Stub) Collect(ctx context.Context, criteria scrape.Criteria) ([]scrape.Record, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", scrape.ErrCollection, ctx.Err())
		case <-timer.C:
		}
	}

	industry := criteria.Industry
	if industry == "" {
		industry = "Unknown"
	}
	geography := criteria.Geography
	if geography == "" {
		geography = "Unknown"
	}

	records := make([]scrape.Record, 0, len(companies))
	for _, c := range companies {
		records = append(records, scrape.Record{
			"company_name":     fmt.Sprintf("%s (%s)", c.name, industry),
			"website":          c.website,
			"industry":         industry,
			"location":         geography,
			"email":            c.email,
			"phone":            c.phone,
			"source_url":       "https://example.com/" + c.slug,
			"matched_keywords": firstN(criteria.Keywords, c.keywords),
			"confidence":       c.confidence,
		})
	}
	return records, nil
}

// firstN returns up to n leading keywords; n < 0 means all of them.
func firstN(keywords []string, n int) []string {
	if n < 0 || n > len(keywords) {
		n = len(keywords)
	}
	out := make([]string, n)
	copy(out, keywords[:n])
	return out
}
