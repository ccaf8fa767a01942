// Package pagination pages through the patients accumulated by a search.
// The list only grows, so a page past the current end is empty rather than
// an error while the search is still loading.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 20
	MaxCount     = 500
)

// Params is a FHIR-style _count/_offset window.
type Params struct {
	Count  int
	Offset int
}

// FromContext reads _count and _offset from the query string. A missing or
// invalid _count falls back to DefaultCount and is capped at MaxCount.
func FromContext(c echo.Context) Params {
	count, err := strconv.Atoi(c.QueryParam("_count"))
	if err != nil || count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}
	offset, err := strconv.Atoi(c.QueryParam("_offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return Params{Count: count, Offset: offset}
}

// Page is one window over an append-only result list.
type Page[T any] struct {
	Data    []T    `json:"data"`
	Total   int    `json:"total"`
	Count   int    `json:"count"`
	Offset  int    `json:"offset"`
	Loading bool   `json:"loading"`
	HasMore bool   `json:"has_more"`
	Links   []Link `json:"links,omitempty"`
}

// NewPage wraps items, the window p of a list currently total long. While
// loading is set more results may still be appended, so a next link is
// offered even at the current end. Links are omitted when basePath is "".
func NewPage[T any](items []T, total int, p Params, loading bool, basePath string) *Page[T] {
	if items == nil {
		items = []T{}
	}
	pg := &Page[T]{
		Data:    items,
		Total:   total,
		Count:   p.Count,
		Offset:  p.Offset,
		Loading: loading,
		HasMore: p.Offset+p.Count < total || loading,
	}
	if basePath != "" {
		pg.Links = p.links(basePath, pg.HasMore)
	}
	return pg
}

// Link is one navigation link, shaped like a FHIR Bundle link.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

func (p Params) links(basePath string, more bool) []Link {
	links := []Link{{Relation: "self", URL: pageURL(basePath, p.Offset, p.Count)}}
	if more {
		links = append(links, Link{Relation: "next", URL: pageURL(basePath, p.Offset+p.Count, p.Count)})
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, Link{Relation: "previous", URL: pageURL(basePath, prev, p.Count)})
	}
	return links
}

func pageURL(basePath string, offset, count int) string {
	q := url.Values{}
	q.Set("_count", strconv.Itoa(count))
	q.Set("_offset", strconv.Itoa(offset))
	return basePath + "?" + q.Encode()
}
