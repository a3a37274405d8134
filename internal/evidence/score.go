package evidence

import "time"

// Score computes the fixed-weight composite quality score for a
// candidate evidence item: 0.6*authority + 0.3*relevance + 0.1*recency.
func Score(rawURL, excerpt, query string, published *time.Time, now time.Time) float64 {
	return weightAuthority*Authority(rawURL) +
		weightRelevance*Relevance(excerpt, query) +
		weightRecency*Recency(published, now)
}
