package pagination

import (
	"fmt"
	"strconv"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// Params is a parsed page request
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// Page is one page of T with the totals a client needs to keep paging
type Page[T any] struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
	Data       []T   `json:"data"`
}

// Parse reads page and limit query values. Out of range values are clamped;
// only non-numeric input is an error.
func Parse(pageStr, limitStr string) (Params, error) {
	page, err := atoiOr(pageStr, DefaultPage)
	if err != nil {
		return Params{}, fmt.Errorf("invalid page parameter: %w", err)
	}
	limit, err := atoiOr(limitStr, DefaultLimit)
	if err != nil {
		return Params{}, fmt.Errorf("invalid limit parameter: %w", err)
	}

	page = max(page, DefaultPage)
	limit = min(max(limit, MinLimit), MaxLimit)

	return Params{Page: page, Limit: limit, Offset: (page - 1) * limit}, nil
}

// TotalPages returns how many pages of limit items hold total items
func TotalPages(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

// NewPage wraps items fetched with p. A nil slice is rendered as [].
func NewPage[T any](p Params, total int64, items []T) *Page[T] {
	if items == nil {
		items = []T{}
	}
	return &Page[T]{
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: TotalPages(total, p.Limit),
		HasMore:    int64(p.Offset+len(items)) < total,
		Data:       items,
	}
}

func atoiOr(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	return strconv.Atoi(s)
}
