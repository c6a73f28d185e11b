package token

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// jrlPartitionKey groups every revoked-jti entity under one partition; the
// jti itself is the row key, so lookups and deletes stay point reads.
const jrlPartitionKey = "jrl"

// TableMirror periodically refreshes a MemoryRevocationList from an Azure
// Table, adapted from a table-entity list/add/delete driver that used to
// shuttle handshake and token blobs instead of revoked jti rows.
type TableMirror struct {
	client *aztables.Client
	target *MemoryRevocationList
	period time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTableMirror builds a mirror that refreshes target from client every
// period. Call Start to begin refreshing and Close to stop.
func NewTableMirror(client *aztables.Client, target *MemoryRevocationList, period time.Duration) *TableMirror {
	return &TableMirror{client: client, target: target, period: period, stop: make(chan struct{})}
}

// Revoke adds jti to the table so every mirror eventually picks it up.
func (m *TableMirror) Revoke(ctx context.Context, jti string) error {
	entity := jrlEntity{PartitionKey: jrlPartitionKey, RowKey: jti}
	body, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	_, err = m.client.AddEntity(ctx, body, nil)
	return err
}

// Unrevoke removes jti from the table.
func (m *TableMirror) Unrevoke(ctx context.Context, jti string) error {
	_, err := m.client.DeleteEntity(ctx, jrlPartitionKey, jti, nil)
	return err
}

// Start launches the periodic refresh goroutine. Refresh failures are
// ignored; the mirror simply keeps serving the last good snapshot.
func (m *TableMirror) Start() {
	go m.refreshLoop()
}

// Close stops the refresh goroutine.
func (m *TableMirror) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *TableMirror) refreshLoop() {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	m.refreshOnce(context.Background())
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.refreshOnce(context.Background())
		}
	}
}

func (m *TableMirror) refreshOnce(ctx context.Context) {
	pager := m.client.NewListEntitiesPager(nil)
	var jtis []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return
		}
		for _, raw := range resp.Entities {
			var e jrlEntity
			if json.Unmarshal(raw, &e) == nil && e.RowKey != "" {
				jtis = append(jtis, e.RowKey)
			}
		}
	}
	m.target.Replace(jtis)
}

type jrlEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}
