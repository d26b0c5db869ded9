// Package bot runs one conversational turn: query the QA backend, decide on
// a reply, send it, and record what happened.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tjfontaine/qnabot/internal/audit"
	"github.com/tjfontaine/qnabot/internal/decision"
	"github.com/tjfontaine/qnabot/internal/domain"
	"github.com/tjfontaine/qnabot/internal/platform"
)

// DefaultQueryTimeout bounds one QA backend call.
const DefaultQueryTimeout = 10 * time.Second

// previewChars limits the best-answer preview stored in the turn record.
const previewChars = 200

// Outcome and reason values written for turns that failed outright.
const (
	OutcomeFailed        = "failed"
	ReasonInternalError  = "internal_error"
	failedSendErrMessage = "reply not sent"
)

// State is a step of the per-turn state machine.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StateQueried   State = "queried"
	StateDecided   State = "decided"
	StateReplied   State = "replied"
	StateFailed    State = "failed"
)

// Querier looks up ranked answers for a question.
type Querier interface {
	Query(ctx context.Context, question string) (domain.AnswerSet, error)
}

// Orchestrator implements platform.TurnHandler.
type Orchestrator struct {
	gateway   Querier
	threshold float64
	timeout   time.Duration
	recorder  *audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithThreshold sets the minimum accepted confidence.
func WithThreshold(threshold float64) Option {
	return func(o *Orchestrator) {
		o.threshold = threshold
	}
}

// WithQueryTimeout bounds each QA call.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRecorder sets where standalone turn records go when a turn runs
// outside an audited HTTP request.
func WithRecorder(r *audit.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an orchestrator that queries gateway.
func New(gateway Querier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:   gateway,
		threshold: decision.DefaultThreshold,
		timeout:   DefaultQueryTimeout,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// turnRun carries the mutable state of a single OnTurn call.
type turnRun struct {
	state   State
	info    *audit.TurnInfo
	replied bool
}

// OnTurn handles one message. Exactly one reply is attempted. Backend
// failures degrade to a fallback reply and are not returned; a failed send
// or a recovered panic is.
func (o *Orchestrator) OnTurn(ctx context.Context, turn platform.Turn) (err error) {
	start := o.now()
	run := &turnRun{
		state: StateReceived,
		info: &audit.TurnInfo{
			Request: audit.TurnRequest{
				Text:           strings.TrimSpace(turn.Text()),
				ChannelID:      turn.ChannelID(),
				ConversationID: turn.ConversationID(),
			},
		},
	}

	defer func() {
		if r := recover(); r != nil {
			err = o.fail(ctx, turn, run, r)
		}
		o.finish(ctx, run, start)
	}()

	return o.process(ctx, turn, run)
}

func (o *Orchestrator) process(ctx context.Context, turn platform.Turn, run *turnRun) error {
	text := strings.TrimSpace(turn.Text())
	run.state = StateValidated

	var (
		answers    domain.AnswerSet
		backendErr error
	)
	if text != "" {
		answers, backendErr = o.query(ctx, text, run.info)
		run.state = StateQueried
	}

	outcome := decision.Decide(text, answers, backendErr, o.threshold)
	run.state = StateDecided
	run.info.Outcome = outcome.Kind()
	run.info.Reason = string(outcome.Reason)

	reply := &audit.ReplyInfo{Text: outcome.Reply(), Fallback: !outcome.Answered}
	if outcome.Answered {
		reply.Confidence = &outcome.Confidence
		reply.Source = outcome.Source
	}
	run.info.Response = reply

	run.replied = true
	if err := turn.SendReply(ctx, reply.Text); err != nil {
		reply.SendError = err.Error()
		run.state = StateFailed
		return fmt.Errorf("send reply: %w", err)
	}
	run.state = StateReplied
	return nil
}

// query calls the gateway once. A client disconnect must not abort the call,
// so it runs detached from ctx's cancellation with its own timeout. A panic
// in the gateway is reported as a backend error like any other failure.
func (o *Orchestrator) query(ctx context.Context, text string, info *audit.TurnInfo) (answers domain.AnswerSet, err error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	start := o.now()
	qna := &audit.QnAInfo{}
	info.QnA = qna

	defer func() {
		if r := recover(); r != nil {
			answers, err = nil, domain.ErrBackend("query panicked", fmt.Errorf("%v", r))
		}
		qna.ElapsedMS = o.now().Sub(start).Milliseconds()
		if err != nil {
			var derr *domain.Error
			if !errors.As(err, &derr) {
				err = domain.ErrBackend("query failed", err)
			}
			info.Error = err.Error()
			answers = nil
		}
		qna.Count = len(answers)
	}()

	answers, err = o.gateway.Query(qctx, text)
	if err != nil {
		return nil, err
	}

	if best, ok := answers.Best(); ok {
		qna.BestConfidence = best.Score()
		qna.BestSource = best.Source
		qna.BestPreview = preview(decision.NormalizeAnswer(best.Answer), previewChars)
	}
	return answers, nil
}

// fail moves a panicking turn to Failed, attempts the generic reply if none
// went out yet, and converts the panic into an error.
func (o *Orchestrator) fail(ctx context.Context, turn platform.Turn, run *turnRun, recovered any) error {
	run.state = StateFailed
	msg := fmt.Sprintf("panic: %v", recovered)

	run.info.Outcome = OutcomeFailed
	run.info.Reason = ReasonInternalError
	run.info.Error = msg

	if !run.replied {
		reply := &audit.ReplyInfo{Text: decision.ReplyWentWrong, Fallback: true}
		run.info.Response = reply
		run.replied = true
		if err := safeSend(ctx, turn, reply.Text); err != nil {
			reply.SendError = err.Error()
		}
	}
	return fmt.Errorf("turn failed: %s", msg)
}

// safeSend sends text, converting a panic in the sender into an error.
func safeSend(ctx context.Context, turn platform.Turn, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", failedSendErrMessage, r)
		}
	}()
	return turn.SendReply(ctx, text)
}

// finish attaches the turn to the request's audit entry, or writes a
// standalone turn record when there is none, then logs the turn.
func (o *Orchestrator) finish(ctx context.Context, run *turnRun, start time.Time) {
	if entry := audit.EntryFromContext(ctx); entry != nil {
		entry.SetTurn(run.info)
	} else if o.recorder != nil {
		o.recorder.Write(&audit.Record{Event: audit.EventTurn, Turn: run.info})
	}

	level := slog.LevelInfo
	if run.state == StateFailed {
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("state", string(run.state)),
		slog.String("outcome", run.info.Outcome),
		slog.Int64("duration_ms", o.now().Sub(start).Milliseconds()),
		slog.String("channel_id", run.info.Request.ChannelID),
		slog.String("conversation_id", run.info.Request.ConversationID),
	}
	if run.info.Reason != "" {
		attrs = append(attrs, slog.String("reason", run.info.Reason))
	}
	if run.info.QnA != nil {
		attrs = append(attrs,
			slog.Int("qna_count", run.info.QnA.Count),
			slog.Int64("qna_elapsed_ms", run.info.QnA.ElapsedMS),
		)
	}
	if run.info.Error != "" {
		attrs = append(attrs, slog.String("error", run.info.Error))
	}
	o.logger.LogAttrs(ctx, level, "turn completed", attrs...)
}

// preview truncates s to at most n runes.
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
