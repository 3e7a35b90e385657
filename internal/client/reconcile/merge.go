// Package reconcile merges optimistic drafts with confirmed message records so
// that every send shows up exactly once, whatever order the REST response and
// the live events arrive in.
package reconcile

import (
	"sort"

	"dm-go/internal/models"
)

// Item is either a pending draft or a confirmed record.
type Item struct {
	Token     string
	Message   *models.Message
	Confirmed bool
}

// Pending wraps a locally rendered draft.
func Pending(token string, draft *models.Message) Item {
	return Item{Token: token, Message: draft}
}

// Confirmed wraps a record returned by the server.
func Confirmed(record *models.Message) Item {
	return Item{Token: tokenOf(record), Message: record, Confirmed: true}
}

// ID returns the store ID, zero for drafts.
func (i Item) ID() uint {
	if !i.Confirmed || i.Message == nil {
		return 0
	}
	return i.Message.ID
}

// sameToken reports whether the item was sent by sender under token.
// 令牌只在同一发送者内唯一
func (i Item) sameToken(token string, sender uint) bool {
	return token != "" && i.Token == token && i.Message != nil && i.Message.SenderID == sender
}

func tokenOf(m *models.Message) string {
	if m == nil || m.CorrelationToken == nil {
		return ""
	}
	return *m.CorrelationToken
}

// Merge returns items with record merged in: it replaces the item carrying
// the same correlation token from the same sender, else the item with the
// same ID, else it is appended. The result is ordered by createdAt. items is
// not modified.
func Merge(items []Item, record *models.Message) []Item {
	out := make([]Item, 0, len(items)+1)
	out = append(out, items...)
	if record == nil {
		return out
	}
	incoming := Confirmed(record)

	at := -1
	if incoming.Token != "" {
		for i, it := range out {
			if it.sameToken(incoming.Token, record.SenderID) {
				at = i
				break
			}
		}
	}
	if at < 0 && record.ID != 0 {
		for i, it := range out {
			if it.ID() == record.ID {
				at = i
				break
			}
		}
	}

	if at < 0 {
		out = append(out, incoming)
	} else {
		if out[at].Confirmed {
			incoming.Message = combine(out[at].Message, record)
		}
		out[at] = incoming
		out = dropDuplicates(out, at)
	}

	sortItems(out)
	return out
}

// combine keeps the one-way flags of prev so that a stale copy arriving late
// cannot undo a read or a delete.
func combine(prev, next *models.Message) *models.Message {
	if prev == nil {
		return next
	}
	m := *next
	if prev.DeletedForAll && !m.DeletedForAll {
		m.DeletedForAll = true
		m.DeletedForAllAt = prev.DeletedForAllAt
	}
	if prev.IsRead && !m.IsRead {
		m.IsRead = true
		m.ReadAt = prev.ReadAt
	}
	for _, id := range prev.DeletedFor {
		if !m.HiddenFor(id) {
			m.DeletedFor = append(append([]uint(nil), m.DeletedFor...), id)
		}
	}
	return &m
}

// dropDuplicates removes other items that now refer to the same record as out[keep].
func dropDuplicates(out []Item, keep int) []Item {
	kept := out[keep]
	res := out[:0]
	for i, it := range out {
		if i != keep && it.Confirmed && it.ID() == kept.ID() {
			continue
		}
		res = append(res, it)
	}
	return res
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.Message.CreatedAt.Equal(b.Message.CreatedAt) {
			return a.Message.CreatedAt.Before(b.Message.CreatedAt)
		}
		// 已确认的记录排在草稿之前，再按 ID、令牌排序
		if a.Confirmed != b.Confirmed {
			return a.Confirmed
		}
		if a.ID() != b.ID() {
			return a.ID() < b.ID()
		}
		return a.Token < b.Token
	})
}
