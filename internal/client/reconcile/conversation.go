package reconcile

import (
	"fmt"
	"sync"
	"time"

	"dm-go/internal/imtypes"
	"dm-go/internal/models"
)

// Conversation is one user's view of a conversation. It is safe for
// concurrent use by the REST caller and the live channel reader.
type Conversation struct {
	mu    sync.RWMutex
	self  uint
	peer  uint
	items []Item

	// 先于记录到达的删除事件，记录到达后再应用
	deletedForAll map[uint]bool
	hidden        map[uint]bool
	readAt        map[uint]time.Time
}

// NewConversation creates the view of self's conversation with peer.
func NewConversation(self, peer uint) *Conversation {
	return &Conversation{
		self:          self,
		peer:          peer,
		deletedForAll: make(map[uint]bool),
		hidden:        make(map[uint]bool),
		readAt:        make(map[uint]time.Time),
	}
}

// Self returns the viewing user.
func (c *Conversation) Self() uint { return c.self }

// Peer returns the other participant.
func (c *Conversation) Peer() uint { return c.peer }

func (c *Conversation) belongs(m *models.Message) bool {
	return (m.SenderID == c.self && m.ReceiverID == c.peer) ||
		(m.SenderID == c.peer && m.ReceiverID == c.self)
}

// AddDraft renders a draft under token.
func (c *Conversation) AddDraft(token string, draft *models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if it.sameToken(token, draft.SenderID) {
			return
		}
	}
	c.items = append(c.items, Pending(token, draft))
	sortItems(c.items)
}

// Discard removes a draft that was never confirmed.
func (c *Conversation) Discard(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.items[:0]
	for _, it := range c.items {
		if !it.Confirmed && it.sameToken(token, c.self) {
			continue
		}
		out = append(out, it)
	}
	c.items = out
}

// Confirm merges a record returned by the server.
func (c *Conversation) Confirm(record *models.Message) {
	if record == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeLocked(record)
}

// Reset replaces the confirmed records with a fresh fetch, keeping pending drafts.
func (c *Conversation) Reset(records []*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var drafts []Item
	for _, it := range c.items {
		if !it.Confirmed {
			drafts = append(drafts, it)
		}
	}
	c.items = drafts
	for _, m := range records {
		c.mergeLocked(m)
	}
}

func (c *Conversation) mergeLocked(record *models.Message) {
	if !c.belongs(record) {
		return
	}
	m := *record
	if c.deletedForAll[m.ID] {
		m.DeletedForAll = true
	}
	if c.hidden[m.ID] && !m.HiddenFor(c.self) {
		m.DeletedFor = append(append([]uint(nil), m.DeletedFor...), c.self)
	}
	if at, ok := c.readAt[m.ID]; ok && !m.IsRead {
		m.IsRead = true
		m.ReadAt = &at
	}
	c.items = Merge(c.items, &m)
}

// Apply merges one live event. Events of other conversations are ignored.
func (c *Conversation) Apply(evt imtypes.Event) error {
	switch evt.Type {
	case imtypes.EventNewMessage, imtypes.EventMessageUpdated, imtypes.EventReactionUpdate, imtypes.EventMessagePinned:
		var m models.Message
		if err := evt.Decode(&m); err != nil {
			return fmt.Errorf("解析 %s 事件失败: %w", evt.Type, err)
		}
		c.Confirm(&m)

	case imtypes.EventMessageDeleted:
		var p imtypes.DeletedPayload
		if err := evt.Decode(&p); err != nil {
			return fmt.Errorf("解析删除事件失败: %w", err)
		}
		c.applyDelete(p)

	case imtypes.EventMessageRead:
		var p imtypes.ReadPayload
		if err := evt.Decode(&p); err != nil {
			return fmt.Errorf("解析已读事件失败: %w", err)
		}
		c.applyRead(p)
	}
	return nil
}

func (c *Conversation) applyDelete(p imtypes.DeletedPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.Scope == imtypes.ScopeAll {
		c.deletedForAll[p.MessageID] = true
	} else {
		c.hidden[p.MessageID] = true
	}
	for i, it := range c.items {
		if it.ID() != p.MessageID {
			continue
		}
		m := *it.Message
		if p.Scope == imtypes.ScopeAll {
			m.DeletedForAll = true
		} else if !m.HiddenFor(c.self) {
			m.DeletedFor = append(append([]uint(nil), m.DeletedFor...), c.self)
		}
		c.items[i].Message = &m
	}
}

func (c *Conversation) applyRead(p imtypes.ReadPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.MessageID != 0 {
		c.readAt[p.MessageID] = p.ReadAt
	}
	for i, it := range c.items {
		if !it.Confirmed {
			continue
		}
		m := it.Message
		var match bool
		if p.MessageID != 0 {
			match = m.ID == p.MessageID
		} else {
			match = m.SenderID == p.WithUserID && m.ReceiverID == p.ReaderID
		}
		if !match || m.IsRead {
			continue
		}
		cp := *m
		cp.IsRead = true
		readAt := p.ReadAt
		cp.ReadAt = &readAt
		c.items[i].Message = &cp
	}
}

// Items returns every item, including ones hidden from the viewer.
func (c *Conversation) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Item(nil), c.items...)
}

// Visible returns the items the viewer can see, ordered by createdAt.
func (c *Conversation) Visible() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		if it.Confirmed && !it.Message.VisibleTo(c.self) {
			continue
		}
		out = append(out, it)
	}
	return out
}
