// Package stream fans notifications out to live per-account connections.
// The api package serves the subscriptions over SSE and websocket.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
	"remindflow/internal/ports"
)

var _ ports.ChannelSender = (*Hub)(nil)

// Message is what a subscriber receives.
type Message struct {
	NotificationID string            `json:"notification_id"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

type subscriber struct {
	ch chan Message
}

// Hub delivers to every connection of the notification's account. A send
// with no live connection is a retryable failure.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[*subscriber]struct{})}
}

func (h *Hub) Channel() domain.Channel { return domain.ChannelSSE }

// Subscribe registers a connection for accountID. The returned cancel must
// be called when the connection goes away; it closes the channel.
func (h *Hub) Subscribe(accountID string) (<-chan Message, func()) {
	s := &subscriber{ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*subscriber]struct{})
	}
	h.subs[accountID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[accountID], s)
			if len(h.subs[accountID]) == 0 {
				delete(h.subs, accountID)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Connections reports live connections for accountID.
func (h *Hub) Connections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

func (h *Hub) Send(ctx context.Context, n *domain.Notification) error {
	msg := Message{
		NotificationID: n.ID,
		Title:          n.Title,
		Content:        n.Content,
		Metadata:       n.Metadata,
		CreatedAt:      n.CreatedAt,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.subs[n.AccountID]
	if len(subs) == 0 {
		return domain.Transient(domain.ChannelSSE, "no live connection", nil)
	}
	delivered := 0
	for s := range subs {
		select {
		case s.ch <- msg:
			delivered++
		default:
			log.Warn().Str("account_id", n.AccountID).Str("notification_id", n.ID).Msg("stream subscriber lagging, message dropped")
		}
	}
	if delivered == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return domain.Transient(domain.ChannelSSE, "all connections lagging", nil)
	}
	return nil
}
