// Package chat is the consumer-facing façade of the client core. A
// Controller binds the transport, the reconciler and the delivery
// tracker to "the currently open conversation" and routes everything
// else to session metadata.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqui-im/loqui/internal/backend"
	"github.com/loqui-im/loqui/internal/bus"
	"github.com/loqui-im/loqui/internal/delivery"
	"github.com/loqui-im/loqui/internal/transcript"
	"github.com/loqui-im/loqui/internal/wire"
	"go.uber.org/zap"
)

// Transport is the slice of the connection manager the controller uses.
type Transport interface {
	Send(wire.Outbound) bool
	Subscribe(func(*wire.Envelope)) func()
}

// Backend is the consumed REST collaborator.
type Backend interface {
	History(ctx context.Context, peerID int64, limit int, cursor string) ([]transcript.Message, error)
	GroupHistory(ctx context.Context, groupID int64, limit int, cursor string) ([]transcript.Message, error)
	SyncGroupMessages(ctx context.Context, groupID, fromSeq int64, limit int) ([]transcript.Message, error)
	MarkRead(ctx context.Context, key transcript.ConversationKey) error
	GroupMembers(ctx context.Context, groupID int64) ([]backend.Member, error)
	Blacklist(ctx context.Context) ([]int64, error)
}

// MetaStore is the session-metadata interface the core writes through.
type MetaStore interface {
	Record(key, preview string, at, seq int64, incrUnread bool) error
	RecordSeq(key string, seq int64) error
	ClearUnread(key string) error
	Delete(key string) error
}

var (
	ErrNoConversation      = errors.New("no conversation selected")
	ErrNotConnected        = errors.New("not connected")
	ErrMuted               = errors.New("muted in this group")
	ErrMentionNotAllowed   = errors.New("not allowed to mention everyone")
	ErrConversationChanged = errors.New("conversation changed during send")
)

const (
	historyLimit = 50
	resyncLimit  = 50
	membersTTL   = time.Minute
)

type mention struct {
	name string
	id   int64
}

// Controller orchestrates one active conversation at a time. All
// in-flight work is scoped to the generation it was issued for, so a
// conversation switch implicitly cancels stale results.
type Controller struct {
	self      int64
	transport Transport
	backend   Backend
	meta      MetaStore
	bus       *bus.Bus
	logger    *zap.Logger
	tracker   *delivery.Tracker
	seqs      *transcript.SeqTracker

	mu        sync.Mutex
	gen       int64
	conv      transcript.ConversationKey
	tr        *transcript.Transcript
	members   map[int64]backend.Member
	membersAt time.Time
	blocked   map[int64]struct{}
	mentions  []mention
	unsub     func()
}

// Options tunes controller behavior; zero values use defaults.
type Options struct {
	AckTimeout time.Duration
}

// NewController wires the façade. selfID is the local user id derived
// from the session credential.
func NewController(selfID int64, t Transport, b Backend, m MetaStore, evb *bus.Bus, logger *zap.Logger, opts Options) *Controller {
	c := &Controller{
		self:      selfID,
		transport: t,
		backend:   b,
		meta:      m,
		bus:       evb,
		logger:    logger,
		seqs:      transcript.NewSeqTracker(),
		blocked:   make(map[int64]struct{}),
	}
	c.tracker = delivery.NewTracker(opts.AckTimeout, c.onAckTimeout, logger)
	return c
}

// Start subscribes to the transport and loads the blacklist snapshot.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.unsub == nil {
		c.unsub = c.transport.Subscribe(c.handleEnvelope)
	}
	c.mu.Unlock()

	go c.refreshBlacklist(ctx)
}

// Stop unsubscribes and cancels all pending delivery deadlines.
func (c *Controller) Stop() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.tracker.Close()
}

// Active returns the current conversation key; ok is false when no
// conversation is selected.
func (c *Controller) Active() (transcript.ConversationKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv, !c.conv.Zero()
}

// Messages returns a stable snapshot of the active transcript in
// order. Entries are value copies: frames that land after the call
// never mutate what the caller holds.
func (c *Controller) Messages() []transcript.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr == nil {
		return nil
	}
	return c.tr.Snapshot()
}

// Switch makes a conversation active: the previous transcript is
// dropped, the sequence baseline for the new key (only) is reset, the
// first history page is reconciled in, the conversation is marked read
// and (for groups) membership is fetched. A switch that happens while
// the history fetch is in flight wins: the late result is discarded.
func (c *Controller) Switch(ctx context.Context, key transcript.ConversationKey) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conv = key
	c.tr = transcript.New(key.Kind)
	c.members = nil
	c.mentions = nil
	if key.Kind == transcript.Group {
		c.seqs.Reset(key.ID)
	}
	c.mu.Unlock()

	var list []transcript.Message
	var err error
	if key.Kind == transcript.Group {
		list, err = c.backend.GroupHistory(ctx, key.ID, historyLimit, "")
	} else {
		list, err = c.backend.History(ctx, key.ID, historyLimit, "")
	}
	if err != nil {
		var se *backend.StatusError
		if errors.As(err, &se) && se.Gone() {
			c.evict(gen, key)
			return fmt.Errorf("conversation gone: %w", err)
		}
		c.logger.Warn("history fetch failed", zap.Stringer("conversation", key), zap.Error(err))
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		// The user moved on while we were fetching.
		c.mu.Unlock()
		return nil
	}
	c.tr.MergeBatch(list)
	if key.Kind == transcript.Group {
		for _, m := range list {
			c.seqs.Observe(key.ID, m.Seq)
		}
	}
	c.mu.Unlock()

	c.bus.Emit(bus.KindHistoryLoaded, bus.MessageRef{ConversationKey: key.MetaKey()})

	go c.markRead(gen, key)
	if key.Kind == transcript.Group {
		go c.refreshMembers(gen, key.ID)
	}
	return nil
}

// SendText sends a text message to the active conversation and returns
// its client message id.
func (c *Controller) SendText(ctx context.Context, content string) (string, error) {
	return c.send(ctx, content, transcript.ContentText)
}

// SendMedia sends an already uploaded image or file by URL.
func (c *Controller) SendMedia(ctx context.Context, url string, contentType int) (string, error) {
	return c.send(ctx, url, contentType)
}

func (c *Controller) send(ctx context.Context, content string, contentType int) (string, error) {
	c.mu.Lock()
	key := c.conv
	gen := c.gen
	c.mu.Unlock()
	if key.Zero() {
		return "", ErrNoConversation
	}

	var atIDs []int64
	if key.Kind == transcript.Group {
		self := c.selfMember(ctx, gen, key.ID)
		if self != nil && self.Mute {
			c.bus.Warn("you are muted in this group")
			return "", ErrMuted
		}
		atIDs = c.resolveMentions(content)
		if containsAtAll(atIDs) && self != nil && !self.CanAtAll() {
			c.bus.Warn("only the group owner or admins can mention everyone")
			return "", ErrMentionNotAllowed
		}
	}

	id := delivery.NewMessageID()
	now := time.Now().Unix()
	msg := transcript.Message{
		ClientID:    id,
		From:        c.self,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   now,
		Status:      transcript.StatusSending,
	}
	var frame wire.Outbound
	if key.Kind == transcript.Group {
		msg.GroupID = key.ID
		msg.AtUserIDs = atIDs
		frame = wire.GroupChatFrame(id, key.ID, content, contentType, atIDs)
	} else {
		msg.To = key.ID
		frame = wire.ChatFrame(id, key.ID, content, contentType)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return "", ErrConversationChanged
	}
	c.tr.Merge(msg)
	c.mentions = nil
	c.mu.Unlock()

	c.tracker.Track(key, id)
	if err := c.meta.Record(key.MetaKey(), preview(content, contentType), now, 0, false); err != nil {
		c.logger.Warn("meta record failed", zap.Error(err))
	}
	c.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationKey: key.MetaKey(), ClientID: id})

	if !c.transport.Send(frame) {
		// Transient transport failure: roll the optimistic entry back
		// to failed; retry is a user action.
		c.tracker.Resolve(id)
		c.failMessage(key, id, "")
		c.bus.Warn("not connected, message was not sent")
		return id, ErrNotConnected
	}
	return id, nil
}

// RefreshBlacklist re-pulls the blocked sender set.
func (c *Controller) RefreshBlacklist(ctx context.Context) {
	c.refreshBlacklist(ctx)
}

func (c *Controller) refreshBlacklist(ctx context.Context) {
	ids, err := c.backend.Blacklist(ctx)
	if err != nil {
		c.logger.Warn("blacklist fetch failed", zap.Error(err))
		return
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.mu.Lock()
	c.blocked = set
	c.mu.Unlock()
}

func (c *Controller) isBlocked(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blocked[userID]
	return ok
}

// handleEnvelope routes normalized inbound frames. It runs on the
// transport's dispatch goroutine.
func (c *Controller) handleEnvelope(env *wire.Envelope) {
	switch env.Kind {
	case wire.KindStatus:
		c.logger.Info("transport status", zap.String("state", env.Status.State))
	case wire.KindChat:
		c.handleDirect(env.Message.ToMessage(), true)
	case wire.KindGroupChat:
		c.handleGroup(env.Message, true)
	case wire.KindOfflineBatch:
		c.handleOffline(env.Batch)
	case wire.KindAck:
		c.handleAck(env.Ack)
	case wire.KindReadReceipt:
		c.handleReceipt(env.Receipt)
	case wire.KindError:
		c.logger.Warn("server error frame", zap.Int("code", env.Err.Code), zap.String("message", env.Err.Message))
		c.bus.Warn(env.Err.Message)
	case wire.KindGroupEvent:
		c.handleGroupEvent(env.GroupEvent)
	}
}

// handleDirect reconciles a direct message. Inbound messages from
// blocked senders are dropped for display purposes; the local user's
// own echo is never filtered. live=false for offline replay items,
// which only ever touch the active transcript.
func (c *Controller) handleDirect(m transcript.Message, live bool) {
	if m.From != c.self && c.isBlocked(m.From) {
		return
	}
	peer := m.From
	if m.From == c.self {
		peer = m.To
	}
	key := transcript.ConversationKey{Kind: transcript.Friend, ID: peer}
	active := c.mergeIfActive(key, m)

	if live {
		incr := !active && m.From != c.self
		if err := c.meta.Record(key.MetaKey(), preview(m.Content, m.ContentType), m.CreatedAt, 0, incr); err != nil {
			c.logger.Warn("meta record failed", zap.Error(err))
		}
		c.bus.Emit(bus.KindMetaUpdated, key.MetaKey())
	}
}

func (c *Controller) handleGroup(p *wire.MessagePayload, live bool) {
	m := p.ToMessage()
	if p.AtMe == nil {
		// Server did not precompute the flag; derive it locally.
		m.AtMe = m.From != c.self && m.MentionsUser(c.self)
	}

	if gap, from := c.seqs.Observe(m.GroupID, m.Seq); gap {
		c.logger.Warn("group sequence gap",
			zap.Int64("group_id", m.GroupID),
			zap.Int64("have", from),
			zap.Int64("got", m.Seq))
		c.bus.Emit(bus.KindGapDetected, bus.Gap{GroupID: m.GroupID, FromSeq: from, GotSeq: m.Seq})
		go c.resync(m.GroupID, from)
	}

	key := transcript.ConversationKey{Kind: transcript.Group, ID: m.GroupID}
	active := c.mergeIfActive(key, m)

	if live {
		incr := !active && m.From != c.self
		if err := c.meta.Record(key.MetaKey(), preview(m.Content, m.ContentType), m.CreatedAt, m.Seq, incr); err != nil {
			c.logger.Warn("meta record failed", zap.Error(err))
		}
		c.bus.Emit(bus.KindMetaUpdated, key.MetaKey())
	}
}

// handleOffline routes a reconnect replay batch. Items for inactive
// conversations are discarded; their session metadata is refreshed by
// the server-driven summaries, not here. Group sequences are observed
// from any source.
func (c *Controller) handleOffline(batch []wire.MessagePayload) {
	for i := range batch {
		p := &batch[i]
		if p.GroupID > 0 {
			c.handleGroup(p, false)
		} else {
			c.handleDirect(p.ToMessage(), false)
		}
	}
}

func (c *Controller) handleAck(a *wire.AckPayload) {
	conv, ok := c.tracker.Resolve(a.MsgID)
	if !ok {
		// Duplicate or post-timeout ack; the terminal state is settled.
		c.logger.Info("unmatched ack", zap.String("client_id", a.MsgID))
		return
	}

	if a.Status == wire.AckFailed {
		text := delivery.ReasonText(a.Reason)
		c.logger.Warn("send rejected",
			zap.String("client_id", a.MsgID),
			zap.String("reason", a.Reason))
		c.bus.Warn(text)
		c.failMessage(conv, a.MsgID, a.Reason)
		return
	}

	st := transcript.StatusSent
	if a.Status == wire.AckDelivered {
		st = transcript.StatusDelivered
	}
	if conv.Kind == transcript.Group && a.Seq > 0 {
		c.seqs.Observe(conv.ID, a.Seq)
		if err := c.meta.RecordSeq(conv.MetaKey(), a.Seq); err != nil {
			c.logger.Warn("meta seq record failed", zap.Error(err))
		}
	}
	c.updateIfPresent(conv, transcript.Message{
		ClientID:  a.MsgID,
		ServerID:  a.ServerID,
		Seq:       a.Seq,
		CreatedAt: a.CreatedAt,
		Status:    st,
	})
	c.bus.Emit(bus.KindMessageAck, bus.MessageRef{ConversationKey: conv.MetaKey(), ClientID: a.MsgID})
}

func (c *Controller) handleReceipt(r *wire.ReadReceiptPayload) {
	var key transcript.ConversationKey
	if r.GroupID > 0 {
		key = transcript.ConversationKey{Kind: transcript.Group, ID: r.GroupID}
	} else {
		key = transcript.ConversationKey{Kind: transcript.Friend, ID: r.ReaderID}
	}

	for _, id := range r.MsgIDs {
		updated := c.updateIfPresent(key, transcript.Message{
			ClientID: id,
			Status:   transcript.StatusRead,
			ReadAt:   r.ReadAt,
			ReadBy:   r.ReaderID,
		})
		if updated {
			c.bus.Emit(bus.KindMessageRead, bus.MessageRef{ConversationKey: key.MetaKey(), ClientID: id})
		}
	}
}

func (c *Controller) handleGroupEvent(g *wire.GroupEventPayload) {
	c.bus.Emit(bus.KindGroupEvent, *g)
	c.mu.Lock()
	gen := c.gen
	active := c.conv.Kind == transcript.Group && c.conv.ID == g.GroupID
	c.mu.Unlock()
	if active {
		// Membership or roles changed under us; refresh the snapshot.
		go c.refreshMembers(gen, g.GroupID)
	}
}

func (c *Controller) onAckTimeout(conv transcript.ConversationKey, clientID string) {
	c.failMessage(conv, clientID, "")
	c.bus.Warn("message delivery timed out")
}

// mergeIfActive reconciles a message into the transcript when its
// conversation is the active one. Returns whether it was applied.
func (c *Controller) mergeIfActive(key transcript.ConversationKey, m transcript.Message) bool {
	c.mu.Lock()
	if c.conv != key || c.tr == nil {
		c.mu.Unlock()
		return false
	}
	merged := c.tr.Merge(m)
	c.mu.Unlock()
	c.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationKey: key.MetaKey(), ClientID: merged.ClientID})
	return true
}

// updateIfPresent merges onto an existing transcript entry only; it
// never appends, so a late ack or receipt cannot plant a contentless
// phantom entry after the transcript was reloaded.
func (c *Controller) updateIfPresent(key transcript.ConversationKey, m transcript.Message) bool {
	c.mu.Lock()
	if c.conv != key || c.tr == nil {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.tr.ByClientID(m.ClientID); !ok {
		c.mu.Unlock()
		return false
	}
	c.tr.Merge(m)
	c.mu.Unlock()
	return true
}

func (c *Controller) failMessage(key transcript.ConversationKey, clientID, reason string) {
	c.updateIfPresent(key, transcript.Message{
		ClientID:   clientID,
		Status:     transcript.StatusFailed,
		FailReason: reason,
	})
	c.bus.Emit(bus.KindMessageFailed, bus.MessageRef{ConversationKey: key.MetaKey(), ClientID: clientID})
}

// resync best-effort re-pulls recent group messages after a detected
// gap. It cannot guarantee full recovery; there is no retransmission
// protocol.
func (c *Controller) resync(groupID, fromSeq int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := c.backend.SyncGroupMessages(ctx, groupID, fromSeq, resyncLimit)
	if err != nil {
		c.logger.Warn("gap resync failed", zap.Int64("group_id", groupID), zap.Error(err))
		return
	}
	key := transcript.ConversationKey{Kind: transcript.Group, ID: groupID}
	for _, m := range list {
		c.seqs.Observe(groupID, m.Seq)
		c.mergeIfActive(key, m)
	}
	c.logger.Info("gap resync applied", zap.Int64("group_id", groupID), zap.Int("messages", len(list)))
}

func (c *Controller) markRead(gen int64, key transcript.ConversationKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.backend.MarkRead(ctx, key); err != nil {
		var se *backend.StatusError
		if errors.As(err, &se) && se.Gone() {
			c.evict(gen, key)
			return
		}
		c.logger.Warn("mark read failed", zap.Stringer("conversation", key), zap.Error(err))
		return
	}
	if err := c.meta.ClearUnread(key.MetaKey()); err != nil {
		c.logger.Warn("clear unread failed", zap.Error(err))
	}
	c.bus.Emit(bus.KindMetaUpdated, key.MetaKey())
}

// refreshMembers fetches the membership snapshot for mute/role checks,
// scoped to the generation that requested it.
func (c *Controller) refreshMembers(gen int64, groupID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.fetchMembers(ctx, gen, groupID)
}

func (c *Controller) fetchMembers(ctx context.Context, gen int64, groupID int64) map[int64]backend.Member {
	list, err := c.backend.GroupMembers(ctx, groupID)
	if err != nil {
		var se *backend.StatusError
		if errors.As(err, &se) && se.Gone() {
			c.evict(gen, transcript.ConversationKey{Kind: transcript.Group, ID: groupID})
			return nil
		}
		c.logger.Warn("membership fetch failed", zap.Int64("group_id", groupID), zap.Error(err))
		return nil
	}

	snapshot := make(map[int64]backend.Member, len(list))
	for _, m := range list {
		snapshot[m.UserID] = m
	}

	c.mu.Lock()
	if c.gen == gen {
		c.members = snapshot
		c.membersAt = time.Now()
	}
	c.mu.Unlock()
	return snapshot
}

// selfMember returns the local user's membership record for the group,
// refreshing the cached snapshot when stale or missing. A nil return
// means membership is unknown; the send proceeds and the server stays
// authoritative.
func (c *Controller) selfMember(ctx context.Context, gen int64, groupID int64) *backend.Member {
	c.mu.Lock()
	fresh := c.members != nil && time.Since(c.membersAt) < membersTTL
	var cached *backend.Member
	if fresh {
		if m, ok := c.members[c.self]; ok {
			cp := m
			cached = &cp
		}
	}
	c.mu.Unlock()
	if fresh {
		return cached
	}

	snapshot := c.fetchMembers(ctx, gen, groupID)
	if snapshot == nil {
		return nil
	}
	if m, ok := snapshot[c.self]; ok {
		cp := m
		return &cp
	}
	return nil
}

// evict drops a conversation that the server reports gone (forbidden,
// deleted or malformed): it is removed from the local listing and the
// controller returns to the no-conversation state. Scoped by
// generation so a stale error cannot evict a newer conversation.
func (c *Controller) evict(gen int64, key transcript.ConversationKey) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.conv = transcript.ConversationKey{}
	c.tr = nil
	c.members = nil
	c.mu.Unlock()

	if err := c.meta.Delete(key.MetaKey()); err != nil {
		c.logger.Warn("meta delete failed", zap.Error(err))
	}
	c.logger.Warn("conversation evicted", zap.Stringer("conversation", key))
	c.bus.Emit(bus.KindConversationEvicted, key.MetaKey())
}

func containsAtAll(ids []int64) bool {
	for _, id := range ids {
		if id == transcript.AtAll {
			return true
		}
	}
	return false
}

func preview(content string, contentType int) string {
	switch contentType {
	case transcript.ContentImage:
		return "[image]"
	case transcript.ContentFile:
		return "[file]"
	}
	if len(content) > 100 {
		cut := 100
		// Back off to a rune boundary so the stored preview stays
		// valid UTF-8.
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		return content[:cut]
	}
	return content
}
