package fhir

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Bundle types used by the search API.
const (
	BundleTypeSearchset     = "searchset"
	BundleTypeBatch         = "batch"
	BundleTypeBatchResponse = "batch-response"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string          `json:"status"`
	Location     string          `json:"location,omitempty"`
	LastModified *time.Time      `json:"lastModified,omitempty"`
	Outcome      json.RawMessage `json:"outcome,omitempty"`
}

// NewBatchBundle creates a batch Bundle with one GET entry per relative URL.
// Entry order follows the order of urls so responses can be correlated by index.
func NewBatchBundle(urls []string) *Bundle {
	entries := make([]BundleEntry, len(urls))
	for i, u := range urls {
		entries[i] = BundleEntry{
			Request: &BundleRequest{Method: "GET", URL: u},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeBatch,
		Entry:        entries,
	}
}

// NextLink returns the URL of the "next" link, or "" on the last page.
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Resources returns the raw resources of all entries that carry one.
func (b *Bundle) Resources() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out
}

// ParseEntryStatus extracts the numeric HTTP status from a batch-response
// entry status such as "200 OK" or "404". It returns 0 when the status
// cannot be parsed.
func ParseEntryStatus(status string) int {
	status = strings.TrimSpace(status)
	if i := strings.IndexByte(status, ' '); i >= 0 {
		status = status[:i]
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return 0
	}
	return code
}
