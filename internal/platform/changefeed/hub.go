package changefeed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tasklane/tasklane/internal/domain"
)

// UserHeader carries the caller id set by the upstream gateway. The hub
// trusts it as is.
const UserHeader = "X-Tasklane-User"

const (
	defaultSendBuffer = 64
	writeTimeout      = 10 * time.Second
)

// MemberLookup is the subset of the membership store the hub needs.
type MemberLookup interface {
	Membership(ctx context.Context, workspaceID, userID string) (domain.Membership, error)
}

// Message is the wire form of a Change.
type Message struct {
	OperationID string    `json:"op_id"`
	WorkspaceID string    `json:"workspace_id"`
	Container   string    `json:"container"`
	From        string    `json:"from,omitempty"`
	Kind        Kind      `json:"kind"`
	ItemID      string    `json:"item_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func NewMessage(c Change) Message {
	m := Message{
		OperationID: c.OperationID,
		WorkspaceID: c.WorkspaceID,
		Container:   c.Container.String(),
		Kind:        c.Kind,
		ItemID:      c.ItemID,
		OccurredAt:  c.OccurredAt,
	}
	if c.From != nil {
		m.From = c.From.String()
	}
	return m
}

type subscriber struct {
	workspaceID string
	send        chan Message
}

// Hub pushes committed changes to websocket subscribers of a workspace.
// A subscriber that falls behind by more than its buffer is disconnected.
type Hub struct {
	members  MemberLookup
	logger   *slog.Logger
	upgrader websocket.Upgrader
	buffer   int

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewHub(members MemberLookup, logger *slog.Logger) (*Hub, error) {
	if members == nil {
		return nil, errors.New("membership lookup is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		members: members,
		logger:  logger,
		buffer:  defaultSendBuffer,
		subs:    map[*subscriber]struct{}{},
	}, nil
}

// Notify never blocks on a slow subscriber.
func (h *Hub) Notify(_ context.Context, change Change) {
	msg := NewMessage(change)
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.workspaceID != change.WorkspaceID {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("change subscriber too slow, disconnecting", "workspace_id", sub.workspaceID)
			h.removeLocked(sub)
		}
	}
}

// Subscribers reports how many connections are open for a workspace.
func (h *Hub) Subscribers(workspaceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for sub := range h.subs {
		if sub.workspaceID == workspaceID {
			n++
		}
	}
	return n
}

// ServeHTTP upgrades GET /changes?workspace=<id>. Non-members get the same
// 404 as an unknown workspace.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace"))
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if workspaceID == "" || userID == "" {
		http.Error(w, "workspace and user are required", http.StatusBadRequest)
		return
	}
	if _, err := h.members.Membership(r.Context(), workspaceID, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("membership lookup failed", "workspace_id", workspaceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	sub := &subscriber{workspaceID: workspaceID, send: make(chan Message, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(conn, sub)
	h.writeLoop(conn, sub)
}

// readLoop discards client frames and unregisters on disconnect.
func (h *Hub) readLoop(conn *websocket.Conn, sub *subscriber) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			h.remove(sub)
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *subscriber) {
	defer func() { _ = conn.Close() }()
	for msg := range sub.send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			h.remove(sub)
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.send)
}
