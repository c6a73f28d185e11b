package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"
)

// QueueNotifier pushes SessionStarted/SessionEnded events onto an Azure
// Storage queue, adapted from enqueue helpers that used to push handshake
// tokens onto a bootstrap queue instead. Best-effort: enqueue failures are
// swallowed, matching the fire-and-forget cleanup goroutines a session
// manager uses elsewhere.
type QueueNotifier struct {
	queue   *azqueue.QueueClient
	timeout time.Duration
}

// NewQueueNotifier wraps an already-resolved queue client.
func NewQueueNotifier(queue *azqueue.QueueClient) *QueueNotifier {
	return &QueueNotifier{queue: queue, timeout: 10 * time.Second}
}

type queueEvent struct {
	Type        string    `json:"type"`
	SessionID   uuid.UUID `json:"session_id"`
	AppProtocol string    `json:"app_protocol,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

func (n *QueueNotifier) SessionStarted(rec *Record) {
	n.enqueue(queueEvent{
		Type:        "session_started",
		SessionID:   rec.ID,
		AppProtocol: string(rec.AppProtocol),
		StartedAt:   rec.StartedAt,
	})
}

func (n *QueueNotifier) SessionEnded(id uuid.UUID) {
	n.enqueue(queueEvent{Type: "session_ended", SessionID: id})
}

func (n *QueueNotifier) enqueue(ev queueEvent) {
	if n.queue == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	_, _ = n.queue.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(body), nil)
}
