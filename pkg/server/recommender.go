package server

import (
	"context"
)

// Recommender produces recommendations for a user
type Recommender interface {
	Recommend(ctx context.Context, userID string) ([]string, error)
}

// StaticRecommender returns the same list for every user
type StaticRecommender struct {
	items []string
}

// NewStaticRecommender creates a recommender that always returns items
func NewStaticRecommender(items []string) *StaticRecommender {
	cp := make([]string, len(items))
	copy(cp, items)
	return &StaticRecommender{items: cp}
}

// Recommend implements Recommender
func (r *StaticRecommender) Recommend(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]string, len(r.items))
	copy(out, r.items)
	return out, nil
}
