package stream

import (
	"slices"
	"time"

	"github.com/matheus3301/simplechat/internal/model"
)

// timeline is the ordered message list of one chat: created_at ascending,
// id ascending on ties, each id at most once.
type timeline struct {
	msgs []model.Message
	at   map[string]time.Time
}

func newTimeline() *timeline {
	return &timeline{at: make(map[string]time.Time)}
}

func (t *timeline) reset() {
	t.msgs = nil
	t.at = make(map[string]time.Time)
}

func (t *timeline) len() int { return len(t.msgs) }

func (t *timeline) snapshot() []model.Message {
	return slices.Clone(t.msgs)
}

// search returns the index of the message keyed by (at, id) or where it would go.
func (t *timeline) search(at time.Time, id string) (int, bool) {
	return slices.BinarySearchFunc(t.msgs, model.Message{ID: id, CreatedAt: at}, model.CompareMessages)
}

func (t *timeline) get(id string) (model.Message, bool) {
	at, ok := t.at[id]
	if !ok {
		return model.Message{}, false
	}
	i, _ := t.search(at, id)
	return t.msgs[i], true
}

// insert places m at its ordered position. It reports false when the id is
// already present.
func (t *timeline) insert(m model.Message) bool {
	if _, ok := t.at[m.ID]; ok {
		return false
	}
	i, _ := t.search(m.CreatedAt, m.ID)
	t.msgs = slices.Insert(t.msgs, i, m)
	t.at[m.ID] = m.CreatedAt
	return true
}

// replace swaps the stored copy of m.ID for m, keeping its position. A
// deleted message is never restored. It reports whether anything changed.
func (t *timeline) replace(m model.Message) bool {
	at, ok := t.at[m.ID]
	if !ok {
		return false
	}
	i, _ := t.search(at, m.ID)
	cur := t.msgs[i]
	if cur.IsDeleted && !m.IsDeleted {
		return false
	}
	m.CreatedAt = cur.CreatedAt
	if m == cur {
		return false
	}
	t.msgs[i] = m
	return true
}

// merge inserts every missing message. With overwrite, present ones are
// replaced as well.
func (t *timeline) merge(msgs []model.Message, overwrite bool) int {
	changed := 0
	for _, m := range msgs {
		if t.insert(m) || (overwrite && t.replace(m)) {
			changed++
		}
	}
	return changed
}
