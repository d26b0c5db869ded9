package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tjfontaine/qnabot/internal/audit"
	"github.com/tjfontaine/qnabot/internal/domain"
)

// Default preview budgets for audited request and response bodies.
const (
	DefaultBodyPreviewBytes     = 2000
	DefaultResponsePreviewBytes = 1000
)

// PanicErrorType is the error_type recorded when a handler panics.
const PanicErrorType = "panic"

// auditedHeaders is the allow-list of request headers copied into the
// audit record, keyed by canonical name.
var auditedHeaders = []string{"Content-Type", "User-Agent", "Authorization"}

// maskedHeaders never reach the audit log verbatim.
var maskedHeaders = map[string]bool{"Authorization": true}

// AuditOptions sets the preview budgets. Zero values use the defaults.
type AuditOptions struct {
	BodyPreviewBytes     int
	ResponsePreviewBytes int
}

func (o AuditOptions) withDefaults() AuditOptions {
	if o.BodyPreviewBytes <= 0 {
		o.BodyPreviewBytes = DefaultBodyPreviewBytes
	}
	if o.ResponsePreviewBytes <= 0 {
		o.ResponsePreviewBytes = DefaultResponsePreviewBytes
	}
	return o
}

// AuditMiddleware appends exactly one audit record per request. A handler
// panic is recorded as http_traffic_error with status 500 and then
// re-panicked so an outer recoverer can answer the client.
func AuditMiddleware(recorder *audit.Recorder, opts AuditOptions) func(http.Handler) http.Handler {
	opts = opts.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			info := &audit.HTTPInfo{
				Remote:      r.RemoteAddr,
				Method:      r.Method,
				Path:        r.URL.Path,
				Query:       r.URL.RawQuery,
				Headers:     captureHeaders(r.Header),
				BodyPreview: previewBody(r, opts.BodyPreviewBytes),
			}

			ctx, entry := audit.WithEntry(r.Context())
			requestID := GetRequestID(ctx)
			cw := &captureWriter{ResponseWriter: w, limit: opts.ResponsePreviewBytes}

			defer func() {
				p := recover()
				if p == nil {
					return
				}
				entry.SetFailure(PanicErrorType, fmt.Sprint(p))
				cw.fill(info, start)
				info.Status = http.StatusInternalServerError
				recorder.Write(entry.Finalize(audit.EventHTTPTrafficError, requestID, info))
				panic(p)
			}()

			next.ServeHTTP(cw, r.WithContext(ctx))

			cw.fill(info, start)
			recorder.Write(entry.Finalize(audit.EventHTTPTraffic, requestID, info))
		})
	}
}

func captureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(auditedHeaders))
	for _, name := range auditedHeaders {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if maskedHeaders[name] {
			v = audit.MaskedValue
		}
		out[strings.ToLower(name)] = v
	}
	return out
}

// previewBody reads just enough of the body for a limit-byte preview and
// puts those bytes back in front of the unread remainder, so the handler
// still sees the whole body. An empty body or a read failure yields nil; on
// failure the handler sees the bytes read so far followed by the same error.
func previewBody(r *http.Request, limit int) *string {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	// A few extra bytes let truncateUTF8 find a rune boundary at limit.
	orig := r.Body
	head, err := io.ReadAll(io.LimitReader(orig, int64(limit+utf8.UTFMax)))
	if err != nil {
		r.Body = readCloser{io.MultiReader(bytes.NewReader(head), errReader{err}), orig}
		return nil
	}
	r.Body = readCloser{io.MultiReader(bytes.NewReader(head), orig), orig}
	if len(head) == 0 {
		return nil
	}

	s := truncateUTF8(head, limit)
	return &s
}

type readCloser struct {
	io.Reader
	io.Closer
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// truncateUTF8 returns at most limit bytes of b as a valid UTF-8 string,
// never splitting a multi-byte sequence.
func truncateUTF8(b []byte, limit int) string {
	if len(b) > limit {
		cut := limit
		for cut > 0 && cut < len(b) && !utf8.RuneStart(b[cut]) {
			cut--
		}
		b = b[:cut]
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// captureWriter records what the handler wrote.
type captureWriter struct {
	http.ResponseWriter
	limit       int
	status      int
	wroteHeader bool
	length      int64
	preview     bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	if !cw.wroteHeader {
		cw.status = code
		cw.wroteHeader = true
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.status = http.StatusOK
		cw.wroteHeader = true
	}
	if room := cw.limit - cw.preview.Len(); room > 0 {
		if room > len(b) {
			room = len(b)
		}
		cw.preview.Write(b[:room])
	}
	n, err := cw.ResponseWriter.Write(b)
	cw.length += int64(n)
	return n, err
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *captureWriter) fill(info *audit.HTTPInfo, start time.Time) {
	info.Status = cw.status
	if !cw.wroteHeader {
		info.Status = http.StatusOK
	}
	info.RespContentType = cw.Header().Get("Content-Type")
	info.RespLength = cw.length
	text := truncateUTF8(cw.preview.Bytes(), cw.limit)
	info.RespTextPreview = &text
	info.ElapsedMS = time.Since(start).Milliseconds()
}

// reportError records err on both the audit entry and the request log line.
func reportError(r *http.Request, err error) {
	audit.AddError(r.Context(), err)
	AddError(r.Context(), err)
}

// statusFor maps err to the response status at the route boundary.
func statusFor(err error) int {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
