// Package decision maps a ranked answer set to exactly one outgoing reply.
package decision

import (
	"strings"

	"github.com/tjfontaine/qnabot/internal/domain"
)

// DefaultThreshold is the minimum confidence an answer needs to be sent.
const DefaultThreshold = 0.50

// Reason explains why a turn fell back instead of answering.
type Reason string

const (
	ReasonEmptyInput     Reason = "empty_input"
	ReasonNoCandidates   Reason = "no_candidates"
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonBackendError   Reason = "backend_error"
)

// User-facing fallback replies. Backend content never appears in these.
const (
	ReplyEmptyInput = "Say something and I'll try to help!"
	ReplyDontKnow   = "Sorry, I don't know the answer."
	ReplyWentWrong  = "Sorry, something went wrong."
)

// Outcome is either Answered (Reason empty) or a Fallback with a Reason.
type Outcome struct {
	Answered   bool
	Text       string
	Confidence float64
	Source     string
	Reason     Reason
}

// Answer builds an Answered outcome.
func Answer(text string, confidence float64, source string) Outcome {
	return Outcome{Answered: true, Text: text, Confidence: confidence, Source: source}
}

// Fallback builds a Fallback outcome.
func Fallback(reason Reason) Outcome {
	return Outcome{Reason: reason}
}

// Kind is "answered" or "fallback", as written to the audit log.
func (o Outcome) Kind() string {
	if o.Answered {
		return "answered"
	}
	return "fallback"
}

// Reply returns the text to send to the user for this outcome.
func (o Outcome) Reply() string {
	if o.Answered {
		return o.Text
	}
	switch o.Reason {
	case ReasonEmptyInput:
		return ReplyEmptyInput
	case ReasonNoCandidates, ReasonBelowThreshold:
		return ReplyDontKnow
	default:
		return ReplyWentWrong
	}
}

// Decide picks the reply for one turn. It is pure: the same inputs always
// give the same outcome.
//
// Only answers[0] is considered; the backend is trusted to rank best-first.
// A candidate whose confidence equals threshold is accepted.
func Decide(text string, answers domain.AnswerSet, backendErr error, threshold float64) Outcome {
	if strings.TrimSpace(text) == "" {
		return Fallback(ReasonEmptyInput)
	}
	if backendErr != nil {
		return Fallback(ReasonBackendError)
	}
	best, ok := answers.Best()
	if !ok {
		return Fallback(ReasonNoCandidates)
	}
	confidence := best.Score()
	if confidence < threshold {
		return Fallback(ReasonBelowThreshold)
	}
	return Answer(NormalizeAnswer(best.Answer), confidence, best.Source)
}

var newlineReplacer = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// NormalizeAnswer turns each line break into a single space and trims the
// surrounding whitespace.
func NormalizeAnswer(s string) string {
	return strings.TrimSpace(newlineReplacer.Replace(s))
}
