package admin

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the audit request id back to the caller.
	RequestIDHeader = "X-Request-ID"

	auditBodyLimit = 1024
)

// AuditMiddleware writes one log record per mutating request. Webhook
// deliveries are POSTs, so every ingested event is audited.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	log := logger.With("component", "http_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		summary := peekBody(r)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		user, _, _ := r.BasicAuth()
		log.Info("http audit",
			"request_id", id,
			"timestamp", start.UTC().Format(time.RFC3339),
			"user", user,
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"body_summary", summary,
			"response_status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// peekBody returns at most auditBodyLimit bytes of the request body and
// leaves r.Body readable from the start.
func peekBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, auditBodyLimit+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil {
		return ""
	}
	if len(head) > auditBodyLimit {
		return redactOwners(string(head[:auditBodyLimit])) + "...(truncated)"
	}
	return redactOwners(string(head))
}

// ownerField matches an "owner" string value, including one cut off by the
// summary limit.
var ownerField = regexp.MustCompile(`("owner"\s*:\s*")([^"]*)("|$)`)

// redactOwners shortens every owner identity in a JSON body summary.
func redactOwners(summary string) string {
	return ownerField.ReplaceAllStringFunc(summary, func(m string) string {
		parts := ownerField.FindStringSubmatch(m)
		return parts[1] + model.ShortIdentity(parts[2]) + parts[3]
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}
