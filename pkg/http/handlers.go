package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"sipsearch-server/pkg/correlation"
	"sipsearch-server/pkg/errors"
	"sipsearch-server/pkg/metrics"
	"sipsearch-server/pkg/session"
	"sipsearch-server/pkg/streams"
)

// searchRequest is the JSON body of the two search endpoints.
type searchRequest struct {
	correlation.SearchRequest
	Method string `json:"method,omitempty"`
}

func (s *Server) searchHandler(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.NewInvalidQuery("malformed request body"))
			return
		}
		if req.Method == "" {
			req.Method = method
		}

		service, err := s.registry.Lookup(req.Method)
		if err != nil {
			countSearchError(req.Method, err)
			s.writeError(w, r, err)
			return
		}
		started := time.Now()
		results, err := service.Search(r.Context(), req.SearchRequest)
		if err != nil {
			countSearchError(req.Method, err)
			s.writeError(w, r, err)
			return
		}
		collected, err := streams.Collect(results)
		if metrics.Enabled() {
			metrics.SearchDuration.WithLabelValues(req.Method).Observe(time.Since(started).Seconds())
		}
		if err != nil {
			countSearchError(req.Method, err)
			s.writeError(w, r, err)
			return
		}
		if metrics.Enabled() {
			metrics.SearchResults.WithLabelValues(req.Method).Observe(float64(len(collected)))
		}
		s.writeJSON(w, map[string]interface{}{"results": collected})
	}
}

func countSearchError(method string, err error) {
	if !metrics.Enabled() {
		return
	}
	class := errors.GetErrorCode(err)
	if class == "" {
		class = "INTERNAL_ERROR"
	}
	metrics.SearchErrors.WithLabelValues(method, class).Inc()
}

func (s *Server) sessionRequest(w http.ResponseWriter, r *http.Request) (session.Request, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return session.Request{}, false
	}
	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.NewInvalidQuery("malformed request body"))
		return session.Request{}, false
	}
	return req, true
}

func (s *Server) detailsHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	entries, err := s.assembler.Details(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"entries": entries})
}

func (s *Server) contentHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	entries, err := s.assembler.Content(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"entries": entries})
}

func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	events, err := s.assembler.Flow(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"events": events})
}

func (s *Server) mediaHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	legs, err := s.media.Reconstruct(r.Context(), req.Window, req.CallIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"legs": legs})
}

func (s *Server) pcapHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.Header().Set("Content-Disposition", `attachment; filename="session.pcap"`)
	cw := &countingWriter{w: w}
	if _, err := s.assembler.WritePcap(r.Context(), req, cw); err != nil {
		if cw.n == 0 {
			s.writeError(w, r, err)
			return
		}
		// The capture header is already on the wire; log instead of
		// rewriting the response.
		s.logger.WithError(err).Warn("Capture export aborted mid-stream")
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *Server) stashHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	if err := s.assembler.Stash(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response body")
	}
}

// writeError maps engine sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsErrorType(err, errors.ErrInvalidQuery),
		errors.IsErrorType(err, errors.ErrUnknownAttribute),
		errors.IsErrorType(err, errors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.IsErrorType(err, errors.ErrNotFound),
		errors.IsErrorType(err, errors.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.IsErrorType(err, errors.ErrNotSupported):
		status = http.StatusNotImplemented
	case errors.IsErrorType(err, errors.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.IsErrorType(err, errors.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	s.logger.WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"status": status,
	}).Warn("Request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": err.Error(),
		"code":  errors.GetErrorCode(err),
	})
}
