package domain

// Candidate is one ranked answer returned by the question-answering backend.
type Candidate struct {
	// Answer is the answer text as stored in the knowledge base.
	Answer string `json:"answer"`

	// Confidence is the backend score in [0,1]. Nil means the backend did not
	// report one.
	Confidence *float64 `json:"confidenceScore,omitempty"`

	// Source is an optional opaque label for where the answer came from.
	Source string `json:"source,omitempty"`

	// ID is the backend's QnA pair identifier.
	ID int `json:"id,omitempty"`

	// Questions are the knowledge base questions the answer is attached to.
	Questions []string `json:"questions,omitempty"`
}

// Score returns the confidence, treating an absent value as 0.
func (c Candidate) Score() float64 {
	if c.Confidence == nil {
		return 0
	}
	return *c.Confidence
}

// AnswerSet is the backend's candidate list in backend order, best first.
// It is never re-sorted.
type AnswerSet []Candidate

// Best returns the first candidate, or false when the set is empty.
func (s AnswerSet) Best() (Candidate, bool) {
	if len(s) == 0 {
		return Candidate{}, false
	}
	return s[0], true
}

// Confidence is a convenience for building candidates with a score.
func Confidence(v float64) *float64 {
	return &v
}
