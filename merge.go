package realtime

import (
	"slices"
)

// pure reconciliation shared by every paged list view (bounties, people,
// posts, offers). Dedup key uniqueness holds after every merge; existing rows
// keep their original position and a row appearing again never moves.

type MergeParams struct {
	Page      int
	Search    string
	ResetPage bool
}

// Merge folds an incoming page into the accumulated collection.
//   - empty incoming under an active search returns an empty list; a search
//     with zero results must not keep showing stale rows
//   - empty incoming without a search returns current unchanged; end of data
//     on a scroll must not erase what is already shown
//   - ResetPage discards current and returns incoming verbatim
//   - otherwise concatenate and dedup by key, first seen wins
func Merge[T any, K comparable](current []T, incoming []T, params MergeParams, keyOf func(T) K) []T {
	if len(incoming) == 0 {
		if params.Search != "" {
			return []T{}
		}
		return current
	}

	if params.ResetPage {
		return dedup(incoming, keyOf)
	}

	merged := slices.Clone(current)
	seen := map[K]bool{}
	for _, item := range current {
		seen[keyOf(item)] = true
	}
	for _, item := range incoming {
		key := keyOf(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, item)
	}
	return merged
}

func dedup[T any, K comparable](items []T, keyOf func(T) K) []T {
	out := make([]T, 0, len(items))
	seen := map[K]bool{}
	for _, item := range items {
		key := keyOf(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

// PageWindow accumulates merged pages for one list view.
type PageWindow[T any, K comparable] struct {
	keyOf func(T) K

	Items      []T
	PageNumber int
	HasMore    bool
}

func NewPageWindow[T any, K comparable](keyOf func(T) K) *PageWindow[T, K] {
	return &PageWindow[T, K]{
		keyOf:      keyOf,
		Items:      []T{},
		PageNumber: 1,
	}
}

func (self *PageWindow[T, K]) Apply(incoming []T, params MergeParams) {
	self.Items = Merge(self.Items, incoming, params, self.keyOf)
	if params.ResetPage {
		self.PageNumber = 1
	} else if 0 < len(incoming) && 0 < params.Page {
		self.PageNumber = params.Page
	}
	self.HasMore = 0 < len(incoming)
}
