package search

import (
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
)

func TestHitToResultPrefersFormattedFields(t *testing.T) {
	hit := meili.Hit{
		"id":            json.RawMessage(`"pst_1"`),
		"title":         json.RawMessage(`"Group schedule"`),
		"body":          json.RawMessage(`"Tuesday group moves to room B"`),
		"_rankingScore": json.RawMessage(`0.82`),
		"_formatted":    json.RawMessage(`{"title":"<mark>Group</mark> schedule","body":"Tuesday <mark>group</mark> moves"}`),
	}

	got := hitToResult(hit)
	assert.Equal(t, "pst_1", got.PostID)
	assert.Equal(t, "<mark>Group</mark> schedule", got.Title)
	assert.Equal(t, "Tuesday <mark>group</mark> moves", got.Snippet)
	assert.InDelta(t, 0.82, got.Rank, 1e-9)
}

func TestHitToResultWithoutFormatted(t *testing.T) {
	hit := meili.Hit{
		"id":    json.RawMessage(`"pst_2"`),
		"title": json.RawMessage(`"Fire drill"`),
		"body":  json.RawMessage(`"Friday 10am"`),
	}

	got := hitToResult(hit)
	assert.Equal(t, "Fire drill", got.Title)
	assert.Equal(t, "Friday 10am", got.Snippet)
	assert.Zero(t, got.Rank)
}
