// Package binding holds the diagram elements a live view displays and applies
// telemetry batches to them.
package binding

import (
	"sync"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/hmi-sync/pkg/types"
)

// Change describes one repainted element.
type Change struct {
	ElementID string
	Topic     types.Topic
	Text      string
	Style     Style
}

// Board is the ordered element set of one rendered diagram.
type Board struct {
	name string

	mu       sync.RWMutex
	elements []Element
}

// NewBoard creates a board. Element order is the scan order of Apply.
func NewBoard(name string, elements []Element) *Board {
	return &Board{
		name:     name,
		elements: append([]Element(nil), elements...),
	}
}

// Name returns the diagram name.
func (b *Board) Name() string {
	return b.name
}

// Elements returns a snapshot of every element.
func (b *Board) Elements() []Element {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Element(nil), b.elements...)
}

// Element looks an element up by id.
func (b *Board) Element(id string) (Element, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.elements {
		if e.ID == id {
			return e, true
		}
	}
	return Element{}, false
}

// Topics enumerates the topic of every bound element in order. Elements that
// share a topic contribute one entry each.
func (b *Board) Topics() []types.Topic {
	bound := slice.Filter(b.Elements(), func(_ int, e Element) bool {
		return e.Bound()
	})
	return slice.Map(bound, func(_ int, e Element) types.Topic {
		return e.Topic()
	})
}

// Apply paints a batch onto the board. Each update goes to the first element
// bound to its (mrid, path); later elements bound to the same point keep
// their display. Updates without a matching element are ignored.
func (b *Board) Apply(msg types.WsMessage) []Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	var changes []Change
	for _, u := range msg.Updates {
		for i := range b.elements {
			e := &b.elements[i]
			if !e.Matches(u.Topic) {
				continue
			}
			if text, style, ok := e.render(u.Topic); ok {
				e.Text, e.Style = text, style
				changes = append(changes, Change{
					ElementID: e.ID,
					Topic:     u.Topic,
					Text:      text,
					Style:     style,
				})
			}
			break
		}
	}
	return changes
}
