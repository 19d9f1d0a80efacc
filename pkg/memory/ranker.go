package memory

import (
	"math"
	"sort"
	"time"
)

// RankWeights control how similarity, recency and tag overlap combine.
// They must sum to 1.
type RankWeights struct {
	Similarity float64
	Recency    float64
	TagOverlap float64
}

// DefaultRankWeights favor semantic similarity with a recency assist.
var DefaultRankWeights = RankWeights{Similarity: 0.6, Recency: 0.25, TagOverlap: 0.15}

// RankedResult pairs a record with its retrieval scores.
type RankedResult struct {
	Record     *MemoryRecord `json:"record"`
	Similarity float64       `json:"similarity"`
	Score      float64       `json:"score"`
}

// Ranker orders similarity hits by a weighted blend of semantic closeness,
// recency decay and tag overlap with the query.
type Ranker struct {
	weights     RankWeights
	decayLambda float64
	now         func() time.Time
}

// NewRanker creates a ranker. decayLambda is the exponential decay rate per
// day of record age; 0.05 halves the recency term roughly every two weeks.
func NewRanker(weights RankWeights, decayLambda float64) *Ranker {
	return &Ranker{weights: weights, decayLambda: decayLambda, now: time.Now}
}

// Rank scores each record against its similarity hit and the query tags,
// then orders by score descending. Ties break on created_at descending,
// then content hash, so paging is stable.
func (r *Ranker) Rank(records []*MemoryRecord, similarities map[string]float64, queryTags []string) []RankedResult {
	now := r.now()
	tagSet := make(map[string]bool, len(queryTags))
	for _, tag := range NormalizeTags(queryTags) {
		tagSet[tag] = true
	}

	results := make([]RankedResult, 0, len(records))
	for _, record := range records {
		similarity := similarities[record.ContentHash]
		results = append(results, RankedResult{
			Record:     record,
			Similarity: similarity,
			Score:      r.score(record, similarity, tagSet, now),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Record.CreatedAt.Equal(results[j].Record.CreatedAt) {
			return results[i].Record.CreatedAt.After(results[j].Record.CreatedAt)
		}
		return results[i].Record.ContentHash < results[j].Record.ContentHash
	})

	return results
}

func (r *Ranker) score(record *MemoryRecord, similarity float64, queryTags map[string]bool, now time.Time) float64 {
	ageDays := now.Sub(record.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-r.decayLambda * ageDays)

	overlap := 0.0
	if len(queryTags) > 0 {
		matched := 0
		for _, tag := range record.Tags {
			if queryTags[tag] {
				matched++
			}
		}
		overlap = float64(matched) / float64(len(queryTags))
	}

	return r.weights.Similarity*similarity + r.weights.Recency*recency + r.weights.TagOverlap*overlap
}
