package audit

import (
	"log/slog"
	"time"

	"github.com/tjfontaine/qnabot/internal/domain"
)

// Recorder is the best-effort front for a Sink. Write failures are reported
// on the logger and never returned to the request path.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder wraps sink. A nil logger falls back to slog.Default.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

// Write stamps rec and appends it. It reports whether the append succeeded.
func (r *Recorder) Write(rec *Record) bool {
	if r == nil || r.sink == nil || rec == nil {
		return false
	}
	if rec.Timestamp == "" {
		rec.Timestamp = FormatTimestamp(r.now())
	}

	if err := r.sink.Append(rec); err != nil {
		sinkErr := domain.ErrSinkWrite(err)
		r.logger.Error("audit write failed",
			slog.String("error", sinkErr.Error()),
			slog.String("error_type", string(sinkErr.Type)),
			slog.String("event", string(rec.Event)),
			slog.String("request_id", rec.RequestID),
		)
		return false
	}
	return true
}

// Startup writes the startup record naming where the log lives.
func (r *Recorder) Startup(baseDir, logPath string) bool {
	return r.Write(&Record{
		Event:   EventStartup,
		Startup: &StartupInfo{BaseDir: baseDir, LogPath: logPath},
	})
}

// Close closes the underlying sink.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Close()
}
