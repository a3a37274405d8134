package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepresearch/orchestrator/internal/model"
)

func TestStoreDedupByContentHash(t *testing.T) {
	s := New()

	e1 := model.Evidence{
		ID:      "e1",
		Source:  model.Source{URL: "https://example.com/a?utm=1"},
		Excerpt: "  Hello   World  ",
	}
	e2 := model.Evidence{
		ID:      "e2",
		Source:  model.Source{URL: "https://example.com/a?utm=2"},
		Excerpt: "hello world",
	}

	require.True(t, s.Add(e1))
	require.False(t, s.Add(e2), "same normalized excerpt must dedup")
	assert.Equal(t, 1, s.Count())
}

func TestStoreDistinguishesSameExcerptDifferentHost(t *testing.T) {
	s := New()

	e1 := model.Evidence{ID: "e1", Source: model.Source{URL: "https://one.example/page"}, Excerpt: "shared text"}
	e2 := model.Evidence{ID: "e2", Source: model.Source{URL: "https://two.example/page"}, Excerpt: "shared text"}

	require.True(t, s.Add(e1))
	require.True(t, s.Add(e2), "identical excerpt from a distinct source must not dedup")
	assert.Equal(t, 2, s.Count())
}

func TestNormalizeURLStripsQueryAndFragment(t *testing.T) {
	assert.Equal(t, "https://example.com/a", NormalizeURL("https://example.com/a?utm=1#section"))
}

func TestContentHashIgnoresTrackingParams(t *testing.T) {
	a := ContentHash("hello world", "https://example.com/a?utm=1")
	b := ContentHash("hello world", "https://example.com/a?utm=2")
	assert.Equal(t, a, b)
}

func TestRelevanceZeroOverlapIsComputedNotFloored(t *testing.T) {
	assert.Equal(t, 0.0, Relevance("completely unrelated text", "fusion energy"))
}

func TestRelevancePerfectOverlapReachesOne(t *testing.T) {
	assert.Equal(t, 1.0, Relevance("fusion energy breakthroughs", "fusion energy"))
}

func TestStoreSnapshotOrderIsInsertionOrder(t *testing.T) {
	s := New()
	for _, excerpt := range []string{"one", "two", "three"} {
		s.Add(model.Evidence{ID: excerpt, Excerpt: excerpt, Source: model.Source{URL: "https://x.test/" + excerpt}})
	}
	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "one", snap[0].ID)
	assert.Equal(t, "two", snap[1].ID)
	assert.Equal(t, "three", snap[2].ID)
}

func TestAuthorityDefaultsToNeutral(t *testing.T) {
	assert.Equal(t, defaultSubScore, Authority("https://some-unknown-host.example/page"))
	assert.Greater(t, Authority("https://www.nature.com/articles/x"), defaultSubScore)
}

func TestRecencyDecaysWithAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := now.Add(-24 * time.Hour)
	old := now.Add(-5 * 365 * 24 * time.Hour)

	fresco := Recency(&fresh, now)
	stale := Recency(&old, now)
	assert.Greater(t, fresco, stale)
	assert.Equal(t, defaultSubScore, Recency(nil, now))
}

func TestSourcesSummaryCollectsDistinctHosts(t *testing.T) {
	s := New()
	s.Add(model.Evidence{ID: "a", Excerpt: "a", Source: model.Source{URL: "https://one.test/x"}})
	s.Add(model.Evidence{ID: "b", Excerpt: "b", Source: model.Source{URL: "https://two.test/y"}})
	s.Add(model.Evidence{ID: "c", Excerpt: "c", Source: model.Source{URL: "https://one.test/z"}})

	summary := s.SourcesSummary()
	assert.Equal(t, 3, summary.EvidenceCount)
	assert.Len(t, summary.DistinctHosts, 2)
}
