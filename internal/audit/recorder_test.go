package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/qnabot/internal/domain"
)

func TestRecorder_StampsTimestamp(t *testing.T) {
	sink := NewMemorySink()
	rec := NewRecorder(sink, nil)
	rec.now = func() time.Time {
		return time.Date(2026, 3, 4, 5, 6, 7, 891000000, time.FixedZone("X", 3600))
	}

	require.True(t, rec.Write(&Record{Event: EventHTTPTraffic}))

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "2026-03-04T04:06:07Z", records[0].Timestamp)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`), records[0].Timestamp)
}

func TestRecorder_SinkFailureIsLoggedNotReturned(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	sink := NewMemorySink()
	sink.FailWith(errors.New("disk full"))
	rec := NewRecorder(sink, logger)

	ok := rec.Write(&Record{Event: EventHTTPTraffic, RequestID: "req-1"})

	assert.False(t, ok)
	assert.Contains(t, buf.String(), "audit write failed")
	assert.Contains(t, buf.String(), "disk full")
	assert.Contains(t, buf.String(), string(domain.ErrorTypeSinkWrite))
	assert.Contains(t, buf.String(), "req-1")
}

func TestRecorder_NilSafe(t *testing.T) {
	var rec *Recorder
	assert.False(t, rec.Write(&Record{}))
	assert.NoError(t, rec.Close())
}

func TestRecorder_Startup(t *testing.T) {
	sink := NewMemorySink()
	rec := NewRecorder(sink, nil)

	require.True(t, rec.Startup("/srv/bot", "/srv/bot/traffic.log"))

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, EventStartup, records[0].Event)
	require.NotNil(t, records[0].Startup)
	assert.Equal(t, "/srv/bot/traffic.log", records[0].Startup.LogPath)
}

func TestMultiSink_ContinuesPastFailure(t *testing.T) {
	failing := NewMemorySink()
	failing.FailWith(errors.New("boom"))
	healthy := NewMemorySink()

	err := MultiSink{failing, healthy}.Append(&Record{Event: EventTurn})

	assert.Error(t, err)
	assert.Len(t, healthy.Records(), 1)
}

func TestEntry_FinalizeCarriesTurnAndError(t *testing.T) {
	ctx, entry := WithEntry(context.Background())
	require.Same(t, entry, EntryFromContext(ctx))

	entry.SetTurn(&TurnInfo{Outcome: "fallback", Reason: "no_candidates"})
	AddError(ctx, domain.ErrAdapter("process activity", errors.New("bad token")))

	rec := entry.Finalize(EventHTTPTraffic, "req-9", &HTTPInfo{Status: 500})

	assert.Equal(t, "req-9", rec.RequestID)
	require.NotNil(t, rec.Turn)
	assert.Equal(t, "no_candidates", rec.Turn.Reason)
	assert.Equal(t, "adapter", rec.ErrorType)
	assert.Contains(t, rec.Error, "bad token")
}

func TestEntry_AbsentFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, EntryFromContext(ctx))

	// Must not panic without an entry.
	AddError(ctx, errors.New("ignored"))
	EntryFromContext(ctx).SetTurn(&TurnInfo{})
	EntryFromContext(ctx).SetFailure("panic", "ignored")
}
