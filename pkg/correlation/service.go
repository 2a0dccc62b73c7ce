package correlation

import (
	"context"
	"strings"

	"sipsearch-server/pkg/errors"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/streams"
)

// SearchRequest is the input of one correlation search.
type SearchRequest struct {
	Window models.TimeWindow `json:"window"`
	Query  string            `json:"query"`
	Limit  int               `json:"limit"`
	Fields []string          `json:"fields"`
}

// SearchResult summarizes one correlated session.
type SearchResult struct {
	CreatedAt    int64                  `json:"created_at"`
	TerminatedAt int64                  `json:"terminated_at,omitempty"`
	Method       string                 `json:"method"`
	State        string                 `json:"state"`
	Caller       string                 `json:"caller"`
	Callee       string                 `json:"callee"`
	CallIDs      []string               `json:"call_ids"`
	Duration     int64                  `json:"duration,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
}

// SearchService correlates sessions of one SIP method family.
type SearchService interface {
	Search(ctx context.Context, req SearchRequest) (streams.Stream[SearchResult], error)
}

// Registry selects the search service by SIP method name through an explicit
// lookup table.
type Registry struct {
	services map[string]SearchService
}

// NewRegistry builds the method lookup table.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]SearchService)}
}

// Register binds a method name to its service.
func (r *Registry) Register(method string, service SearchService) {
	r.services[strings.ToUpper(method)] = service
}

// Lookup resolves a method name, defaulting to INVITE when empty.
func (r *Registry) Lookup(method string) (SearchService, error) {
	if method == "" {
		method = models.MethodInvite
	}
	service, ok := r.services[strings.ToUpper(method)]
	if !ok {
		return nil, errors.NewNotSupported("search for method " + method)
	}
	return service, nil
}

// joinValues renders the set-union of attribute values, joined when plural.
func joinValues(legs []models.Record, get func(models.Record) string) string {
	var out []string
	seen := map[string]struct{}{}
	for _, leg := range legs {
		v := get(leg)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return strings.Join(out, ",")
}

// projection copies the requested extra fields from the display leg.
func projection(leg models.Record, fields []string) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		if v, ok := leg.Fields[field]; ok {
			out[field] = v
		}
	}
	return out
}
