// Package audit persists one structured record per inbound HTTP request.
//
// Records are newline-delimited JSON objects appended to a log that is never
// truncated or rewritten. Sinks serialize physical writes so concurrent
// appends never interleave partial lines.
package audit

import "time"

// EventKind classifies an audit record.
type EventKind string

const (
	EventStartup          EventKind = "startup"
	EventHTTPTraffic      EventKind = "http_traffic"
	EventHTTPTrafficError EventKind = "http_traffic_error"
	EventTurn             EventKind = "turn"
)

// TimestampFormat is UTC with second precision.
const TimestampFormat = "2006-01-02T15:04:05Z"

// MaskedValue replaces secret header values before storage.
const MaskedValue = "<masked>"

// Record is one line of the audit log.
type Record struct {
	Timestamp string    `json:"ts"`
	Event     EventKind `json:"event"`
	RequestID string    `json:"request_id,omitempty"`

	HTTP    *HTTPInfo    `json:"http,omitempty"`
	Turn    *TurnInfo    `json:"turn,omitempty"`
	Startup *StartupInfo `json:"startup,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// HTTPInfo captures the request/response pair seen by the audit middleware.
type HTTPInfo struct {
	Remote          string            `json:"remote"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Query           string            `json:"query"`
	Headers         map[string]string `json:"headers"`
	BodyPreview     *string           `json:"body_preview"`
	Status          int               `json:"status"`
	RespContentType string            `json:"resp_content_type,omitempty"`
	RespLength      int64             `json:"resp_length"`
	RespTextPreview *string           `json:"resp_text_preview"`
	ElapsedMS       int64             `json:"elapsed_ms"`
}

// TurnInfo captures one conversational turn and the decision taken for it.
type TurnInfo struct {
	Request  TurnRequest `json:"request"`
	QnA      *QnAInfo    `json:"qna"`
	Response *ReplyInfo  `json:"response"`
	Outcome  string      `json:"outcome"`
	Reason   string      `json:"reason,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// TurnRequest holds the utterance and the opaque platform identifiers.
type TurnRequest struct {
	Text           string `json:"text"`
	ChannelID      string `json:"channelId"`
	ConversationID string `json:"conversationId"`
}

// QnAInfo summarizes the backend round trip.
type QnAInfo struct {
	Count          int     `json:"count"`
	ElapsedMS      int64   `json:"elapsed_ms"`
	BestConfidence float64 `json:"best_confidence"`
	BestSource     string  `json:"best_source,omitempty"`
	BestPreview    string  `json:"best_preview"`
}

// ReplyInfo is the message handed to the platform.
type ReplyInfo struct {
	Text       string   `json:"text"`
	Fallback   bool     `json:"fallback"`
	Confidence *float64 `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
	SendError  string   `json:"send_error,omitempty"`
}

// StartupInfo is written once when the process opens the log.
type StartupInfo struct {
	BaseDir string `json:"base_dir"`
	LogPath string `json:"log_path"`
}

// FormatTimestamp renders t in the audit timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}
