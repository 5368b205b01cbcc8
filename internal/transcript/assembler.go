package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Author identifies which side of the conversation produced a turn.
type Author string

const (
	AuthorUser  Author = "user"
	AuthorAgent Author = "agent"
)

// Feedback is the user's rating of an agent turn.
type Feedback string

const (
	FeedbackNone     Feedback = ""
	FeedbackLiked    Feedback = "liked"
	FeedbackDisliked Feedback = "disliked"
)

// Turn is one committed entry of the conversation log. Immutable once
// created except for Feedback.
type Turn struct {
	ID        string
	Author    Author
	Text      string
	Timestamp time.Time
	Feedback  Feedback
}

// Assembler accumulates streaming partial transcripts for the user and the
// agent independently and commits them as discrete turns only on an explicit
// turn-boundary signal. Partial text is never flushed on disconnect; it is
// discarded (partial speech fragments are not meaningful history).
type Assembler struct {
	mu           sync.Mutex
	pendingUser  strings.Builder
	pendingAgent strings.Builder
	turns        []Turn
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// AppendUser appends a partial input transcription delta. Deltas must be
// applied in arrival order; concatenation is order-sensitive.
func (a *Assembler) AppendUser(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingUser.WriteString(delta)
}

// AppendAgent appends a partial output transcription delta.
func (a *Assembler) AppendAgent(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingAgent.WriteString(delta)
}

// CommitTurn commits both pending accumulators as turns sharing the given
// timestamp, then clears them. A side whose accumulated text is empty after
// trimming produces no turn; committing with both sides empty is a no-op.
// Returns the turns created, user first.
func (a *Assembler) CommitTurn(now time.Time) []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	var committed []Turn
	if text := strings.TrimSpace(a.pendingUser.String()); text != "" {
		committed = append(committed, Turn{
			ID:        uuid.New().String(),
			Author:    AuthorUser,
			Text:      text,
			Timestamp: now,
		})
	}
	if text := strings.TrimSpace(a.pendingAgent.String()); text != "" {
		committed = append(committed, Turn{
			ID:        uuid.New().String(),
			Author:    AuthorAgent,
			Text:      text,
			Timestamp: now,
		})
	}

	a.pendingUser.Reset()
	a.pendingAgent.Reset()
	a.turns = append(a.turns, committed...)
	return committed
}

// Reset discards both pending accumulators without committing. Used on
// disconnect and session reset. Committed turns are kept.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingUser.Reset()
	a.pendingAgent.Reset()
}

// Pending returns the current uncommitted text for both sides.
func (a *Assembler) Pending() (user, agent string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingUser.String(), a.pendingAgent.String()
}

// Turns returns a copy of the committed conversation log.
func (a *Assembler) Turns() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// ToggleFeedback sets the feedback on a turn, or clears it when the same
// value is selected again. Returns false if the turn does not exist.
func (a *Assembler) ToggleFeedback(turnID string, feedback Feedback) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.turns {
		if a.turns[i].ID != turnID {
			continue
		}
		if a.turns[i].Feedback == feedback {
			a.turns[i].Feedback = FeedbackNone
		} else {
			a.turns[i].Feedback = feedback
		}
		return true
	}
	return false
}
