package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"IntelScanner/internal/domain"
)

func intPtr(n int) *int { return &n }

func TestShouldRejectOrder(t *testing.T) {
	f := NewFilter(DefaultFilterConfig())

	priority := []domain.Concept{{Label: "Sanctions", Salience: 0.8}}
	weakPriority := []domain.Concept{{Label: "Sanctions", Salience: 0.1}}
	salient := []domain.Concept{{Label: "Port congestion", Salience: 0.5}}
	faint := []domain.Concept{{Label: "Weather", Salience: 0.1}}

	tests := map[string]struct {
		title         string
		concepts      []domain.Concept
		score         int
		corroboration *int
		reject        bool
		reason        Reason
	}{
		"blacklist beats everything": {
			title: "Celebrity wedding photos leak", concepts: priority, score: 100, corroboration: intPtr(500),
			reject: true, reason: ReasonBlacklisted,
		},
		"blacklist is case insensitive": {
			title: "NBA finals shift oil demand", concepts: priority, score: 99,
			reject: true, reason: ReasonBlacklisted,
		},
		"low score without priority": {
			title: "Port congestion eases", concepts: salient, score: 59,
			reject: true, reason: ReasonLowScore,
		},
		"priority overrides low score": {
			title: "Port congestion eases", concepts: priority, score: 10,
		},
		"low corroboration without priority": {
			title: "Port congestion eases", concepts: salient, score: 65, corroboration: intPtr(2),
			reject: true, reason: ReasonLowCorroboration,
		},
		"priority overrides low corroboration": {
			title: "Port congestion eases", concepts: priority, score: 40, corroboration: intPtr(1),
		},
		"corroboration at minimum passes": {
			title: "Port congestion eases", concepts: salient, score: 65, corroboration: intPtr(3),
		},
		"no salient concept and score under override": {
			title: "Port congestion eases", concepts: faint, score: 69,
			reject: true, reason: ReasonLowSalience,
		},
		"priority does not override salience rule": {
			title: "Port congestion eases", concepts: weakPriority, score: 50,
			reject: true, reason: ReasonLowSalience,
		},
		"no salient concept but score at override": {
			title: "Port congestion eases", concepts: faint, score: 70,
		},
		"no concepts at all": {
			title: "Port congestion eases", score: 65,
			reject: true, reason: ReasonLowSalience,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			reject, reason := f.ShouldReject(tc.title, tc.concepts, tc.score, tc.corroboration)
			assert.Equal(t, tc.reject, reject)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestBlacklistedItemNeverAdmitted(t *testing.T) {
	f := NewFilter(DefaultFilterConfig())
	title := "Celebrity wedding photos leak"

	for _, score := range []int{0, 50, 70, 91, 100} {
		for _, concepts := range [][]domain.Concept{nil, {{Label: "War", Salience: 1}}} {
			reject, reason := f.ShouldReject(title, concepts, score, intPtr(100))
			assert.True(t, reject)
			assert.Equal(t, ReasonBlacklisted, reason)
		}
	}
}

func TestBlacklistMatchesWholeWords(t *testing.T) {
	f := NewFilter(DefaultFilterConfig())

	reject, reason := f.ShouldReject("Golfo de Mexico shipping halted", []domain.Concept{{Label: "Shipping", Salience: 0.9}}, 80, nil)

	assert.False(t, reject, reason)
}

func TestCustomLists(t *testing.T) {
	f := NewFilter(FilterConfig{
		MinScore:              50,
		MinCorroboration:      1,
		MinSalience:           0.2,
		SalienceOverrideScore: 60,
		Blacklist:             []string{"quarterly earnings"},
		PriorityConcepts:      []string{"lithium"},
	})

	reject, reason := f.ShouldReject("Quarterly Earnings beat", nil, 99, nil)
	assert.True(t, reject)
	assert.Equal(t, ReasonBlacklisted, reason)

	reject, _ = f.ShouldReject("Chile nationalizes mines", []domain.Concept{{Label: "Lithium", Salience: 0.5}}, 10, nil)
	assert.False(t, reject)
}

func TestCheckSuppliesCorroborationForAggregatedSources(t *testing.T) {
	f := NewFilter(DefaultFilterConfig())
	concepts := []domain.Concept{{Label: "Port strikes", Salience: 0.9}}

	event := domain.CanonicalItem{Source: domain.SourceGraphEvent, Title: "Dock workers walk out", Concepts: concepts, CorroborationCount: 1}
	reject, reason := f.Check(event, 65)
	assert.True(t, reject)
	assert.Equal(t, ReasonLowCorroboration, reason)

	article := event
	article.Source = domain.SourceWebSearch
	reject, _ = f.Check(article, 65)
	assert.False(t, reject)
}

func TestReasonLabel(t *testing.T) {
	assert.Equal(t, "accepted", ReasonAccepted.Label())
	assert.Equal(t, "blacklisted", ReasonBlacklisted.Label())
}

func TestVocabularyMatching(t *testing.T) {
	v := NewVocabulary([]string{"War", " trade  war ", "oil", "oil"})

	assert.Equal(t, []string{"war", "trade war", "oil"}, v.Terms())
	assert.True(t, v.MatchLabel("Trade War"))
	assert.True(t, v.MatchLabel("Oil prices"))
	assert.False(t, v.MatchLabel("Warsaw"))
	assert.False(t, v.MatchLabel(""))
	assert.Equal(t, []string{"war", "trade war"}, v.Scan("Fears of a trade war deepen"))
	assert.False(t, v.MatchText("Boiling point"))
}
