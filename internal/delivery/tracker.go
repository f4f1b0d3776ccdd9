// Package delivery tracks the fate of locally sent messages: each one
// gets a client-generated correlation id and a deadline; the server ack
// (or its absence) decides the delivery status shown to the user.
package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqui-im/loqui/internal/transcript"
	"go.uber.org/zap"
)

// NewMessageID returns a client message id, universally unique within
// the session lifetime.
func NewMessageID() string {
	return uuid.NewString()
}

// ReasonText maps a server failure reason to user-facing text. The
// reason set is open: the server may introduce new reasons at any time,
// and unknown ones fall through to a generic message.
func ReasonText(reason string) string {
	switch reason {
	case "muted":
		return "you are muted in this group"
	case "not_member":
		return "you are no longer a member of this group"
	default:
		return "message could not be delivered"
	}
}

// TimeoutFunc is invoked when a tracked message's deadline passes with
// no ack. It runs on a timer goroutine.
type TimeoutFunc func(conv transcript.ConversationKey, clientID string)

type pending struct {
	conv  transcript.ConversationKey
	timer *time.Timer
}

// Tracker arms one deadline per outbound message and guarantees exactly
// one terminal signal per client id: an ack, an explicit failure or the
// timeout. Whichever comes first clears the pending entry.
type Tracker struct {
	timeout   time.Duration
	onTimeout TimeoutFunc
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// DefaultAckTimeout is how long a sent message may await its ack.
const DefaultAckTimeout = 12 * time.Second

// NewTracker creates a tracker. timeout <= 0 uses DefaultAckTimeout.
func NewTracker(timeout time.Duration, onTimeout TimeoutFunc, logger *zap.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Tracker{
		timeout:   timeout,
		onTimeout: onTimeout,
		logger:    logger,
		pending:   make(map[string]*pending),
	}
}

// Track arms the ack deadline for a client message id. A given id has
// at most one live timeout: re-tracking an already pending id is a
// logic error and is ignored with a log.
func (t *Tracker) Track(conv transcript.ConversationKey, clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[clientID]; exists {
		t.logger.Warn("message already tracked", zap.String("client_id", clientID))
		return
	}
	p := &pending{conv: conv}
	p.timer = time.AfterFunc(t.timeout, func() { t.expire(clientID) })
	t.pending[clientID] = p
}

// Resolve clears the pending entry for an acked (or locally failed)
// message and cancels its timer. Returns the conversation the message
// was tracked under and whether it was still pending; a second resolve
// for the same id returns false.
func (t *Tracker) Resolve(clientID string) (transcript.ConversationKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[clientID]
	if !ok {
		return transcript.ConversationKey{}, false
	}
	p.timer.Stop()
	delete(t.pending, clientID)
	return p.conv, true
}

// Pending returns the number of messages still awaiting an ack.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close cancels all outstanding timers without firing them.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}

func (t *Tracker) expire(clientID string) {
	t.mu.Lock()
	p, ok := t.pending[clientID]
	if ok {
		delete(t.pending, clientID)
	}
	t.mu.Unlock()

	if !ok {
		// Raced with an ack: the terminal signal already happened.
		return
	}
	t.logger.Warn("ack timeout", zap.String("client_id", clientID), zap.Stringer("conversation", p.conv))
	if t.onTimeout != nil {
		t.onTimeout(p.conv, clientID)
	}
}
