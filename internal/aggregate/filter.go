// Package aggregate maintains live, incrementally built session and trace
// models. Each builder owns its lock; the registry map is locked only to
// find or insert a builder, so unrelated sessions and traces never
// serialize each other.
package aggregate

import (
	"slices"
	"time"
)

// Filter selects built models in Query. Zero fields do not filter.
type Filter struct {
	// Service keeps models that include a span from this service.
	Service string
	// From and To keep models whose [start, end] overlaps the window.
	From time.Time
	To   time.Time
	// MinTokens keeps models with at least this many total tokens.
	MinTokens int64
	// HasErrors keeps only models with at least one error span.
	HasErrors bool
	// Skip and Take page through the matches. Take <= 0 returns the rest.
	Skip int
	Take int
}

// SessionFilter and TraceFilter select sessions and traces.
type (
	SessionFilter = Filter
	TraceFilter   = Filter
)

// Page is one page of query results. Total counts every match before
// paging.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type (
	SessionPage = Page[SessionModel]
	TracePage   = Page[TraceModel]
)

func (f Filter) match(services []string, start, end time.Time, tokens int64, errors int) bool {
	if f.Service != "" && !slices.Contains(services, f.Service) {
		return false
	}
	if !f.From.IsZero() && end.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && start.After(f.To) {
		return false
	}
	if tokens < f.MinTokens {
		return false
	}
	if f.HasErrors && errors == 0 {
		return false
	}
	return true
}

func paginate[T any](items []T, skip, take int) Page[T] {
	page := Page[T]{Total: len(items)}
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		page.Items = []T{}
		return page
	}
	items = items[skip:]
	if take > 0 && take < len(items) {
		items = items[:take]
	}
	page.Items = items
	return page
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
