package audit

import (
	"context"
	"sync"

	"github.com/tjfontaine/qnabot/internal/domain"
)

// entryKey identifies the request-scoped audit entry.
type entryKey struct{}

// Entry is the audit record under construction for one HTTP request.
// Handlers enrich it; the middleware that created it finalizes and appends it.
type Entry struct {
	mu        sync.Mutex
	turn      *TurnInfo
	err       string
	errorType string
}

// WithEntry attaches a fresh entry to ctx.
func WithEntry(ctx context.Context) (context.Context, *Entry) {
	e := &Entry{}
	return context.WithValue(ctx, entryKey{}, e), e
}

// EntryFromContext returns the request's entry, or nil outside an audited request.
func EntryFromContext(ctx context.Context) *Entry {
	e, _ := ctx.Value(entryKey{}).(*Entry)
	return e
}

// SetTurn records turn metadata on the entry.
func (e *Entry) SetTurn(turn *TurnInfo) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turn = turn
}

// SetError records err and its category. The last call wins.
func (e *Entry) SetError(err error) {
	if e == nil || err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err.Error()
	e.errorType = string(domain.TypeOf(err))
}

// SetFailure records a failure that is not an error value, such as a panic.
func (e *Entry) SetFailure(category, message string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = message
	e.errorType = category
}

// apply copies the accumulated fields onto rec.
func (e *Entry) apply(rec *Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec.Turn = e.turn
	if e.err != "" {
		rec.Error = e.err
		rec.ErrorType = e.errorType
	}
}

// Finalize builds the record for this entry from the captured HTTP info.
func (e *Entry) Finalize(event EventKind, requestID string, info *HTTPInfo) *Record {
	rec := &Record{
		Event:     event,
		RequestID: requestID,
		HTTP:      info,
	}
	if e != nil {
		e.apply(rec)
	}
	return rec
}

// AddError attaches err to the request's audit entry. No-op outside an
// audited request or when err is nil.
func AddError(ctx context.Context, err error) {
	EntryFromContext(ctx).SetError(err)
}
