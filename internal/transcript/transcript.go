package transcript

import "sort"

// Transcript is the reconciled, ordered message set of one conversation.
// It is an ordered collection keyed by resolved identity: lookups go
// through the id indexes, never by scanning the slice. All methods are
// synchronous and touch nothing outside the receiver.
type Transcript struct {
	kind     ConvKind
	msgs     []*Message
	byClient map[string]*Message
	byServer map[int64]*Message
	bySeq    map[int64]*Message // group only, positive seq only
}

// New creates an empty transcript for a conversation of the given kind.
func New(kind ConvKind) *Transcript {
	return &Transcript{
		kind:     kind,
		byClient: make(map[string]*Message),
		byServer: make(map[int64]*Message),
		bySeq:    make(map[int64]*Message),
	}
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	return len(t.msgs)
}

// Messages returns the entries in transcript order. The returned slice
// is owned by the caller; the pointed-to entries are shared.
func (t *Transcript) Messages() []*Message {
	out := make([]*Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Snapshot returns value copies of the entries in transcript order.
// The result is a stable view: merges applied afterwards never show
// through, so it is safe to hand across goroutine boundaries.
func (t *Transcript) Snapshot() []Message {
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = *m
		if m.AtUserIDs != nil {
			out[i].AtUserIDs = append([]int64(nil), m.AtUserIDs...)
		}
	}
	return out
}

// ByClientID returns the entry with the given client message id.
func (t *Transcript) ByClientID(id string) (*Message, bool) {
	m, ok := t.byClient[id]
	return m, ok
}

// ByServerID returns the entry with the given server id.
func (t *Transcript) ByServerID(id int64) (*Message, bool) {
	m, ok := t.byServer[id]
	return m, ok
}

// Merge reconciles one incoming message into the transcript and returns
// the resolved entry. Two records are the same logical message if they
// share a non-empty ClientID, a non-zero ServerID, or (group only) the
// same positive Seq. Seq 0 never matches: a message whose sequence has
// not been assigned yet must not swallow another such message.
func (t *Transcript) Merge(in Message) *Message {
	if existing := t.find(&in); existing != nil {
		t.mergeInto(existing, &in)
		t.resort()
		return existing
	}

	m := in
	t.msgs = append(t.msgs, &m)
	t.index(&m)
	t.resort()
	return &m
}

// MergeBatch reconciles a batch (history page, offline replay) and
// returns the number of entries that were new appends.
func (t *Transcript) MergeBatch(in []Message) int {
	appended := 0
	before := len(t.msgs)
	for _, m := range in {
		t.Merge(m)
	}
	appended = len(t.msgs) - before
	return appended
}

func (t *Transcript) find(in *Message) *Message {
	if in.ClientID != "" {
		if m, ok := t.byClient[in.ClientID]; ok {
			return m
		}
	}
	if in.ServerID != 0 {
		if m, ok := t.byServer[in.ServerID]; ok {
			return m
		}
	}
	if t.kind == Group && in.Seq > 0 {
		if m, ok := t.bySeq[in.Seq]; ok {
			return m
		}
	}
	return nil
}

// mergeInto overlays incoming fields onto an existing entry. Identity
// fields are only filled in when previously unknown; everything else
// follows "incoming overwrites, zero values extend nothing".
func (t *Transcript) mergeInto(dst, in *Message) {
	if dst.ClientID == "" && in.ClientID != "" {
		dst.ClientID = in.ClientID
	}
	if dst.ServerID == 0 && in.ServerID != 0 {
		dst.ServerID = in.ServerID
	}
	if dst.Seq == 0 && in.Seq > 0 {
		dst.Seq = in.Seq
	}
	if in.CreatedAt != 0 {
		// Server timestamp supersedes the provisional client one.
		dst.CreatedAt = in.CreatedAt
	}
	if in.Content != "" {
		dst.Content = in.Content
	}
	if in.ContentType != 0 {
		dst.ContentType = in.ContentType
	}
	if in.From != 0 {
		dst.From = in.From
	}
	if in.To != 0 {
		dst.To = in.To
	}
	if in.GroupID != 0 {
		dst.GroupID = in.GroupID
	}
	if len(in.AtUserIDs) > 0 {
		dst.AtUserIDs = in.AtUserIDs
	}
	if in.AtMe {
		dst.AtMe = true
	}
	// Read is terminal for display purposes; a late ack must not demote it.
	if in.Status != "" && dst.Status != StatusRead {
		dst.Status = in.Status
	}
	if in.FailReason != "" {
		dst.FailReason = in.FailReason
	}
	if in.ReadAt != 0 {
		dst.ReadAt = in.ReadAt
	}
	if in.ReadBy != 0 {
		dst.ReadBy = in.ReadBy
	}
	t.index(dst)
}

func (t *Transcript) index(m *Message) {
	if m.ClientID != "" {
		t.byClient[m.ClientID] = m
	}
	if m.ServerID != 0 {
		t.byServer[m.ServerID] = m
	}
	if t.kind == Group && m.Seq > 0 {
		t.bySeq[m.Seq] = m
	}
}

// resort restores transcript order. Group conversations order by Seq
// when both entries carry a positive one, falling back to CreatedAt;
// direct conversations always order by CreatedAt. The sort is stable so
// same-timestamp entries keep arrival order.
func (t *Transcript) resort() {
	kind := t.kind
	sort.SliceStable(t.msgs, func(i, j int) bool {
		a, b := t.msgs[i], t.msgs[j]
		if kind == Group && a.Seq > 0 && b.Seq > 0 {
			return a.Seq < b.Seq
		}
		return a.CreatedAt < b.CreatedAt
	})
}
