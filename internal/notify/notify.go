// Package notify publishes finished sync runs to whoever alerts franchise
// admins. Publishing is best effort; a failed publish never fails a run.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// SyncEvent is the message written for every sync log row.
type SyncEvent struct {
	RunID        string    `json:"run_id"`
	BranchSyncID uint64    `json:"branch_sync_id"`
	LocationID   string    `json:"location_id"`
	MasterMenuID uint64    `json:"master_menu_id"`
	FromVersion  uint64    `json:"from_version"`
	ToVersion    uint64    `json:"to_version"`
	SyncType     string    `json:"sync_type"`
	Status       string    `json:"status"`
	Conflicts    int       `json:"conflicts"`
	Summary      string    `json:"summary"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Notifier receives sync events.
type Notifier interface {
	Publish(ctx context.Context, ev SyncEvent) error
}

// Noop drops every event.
type Noop struct{}

// Publish does nothing
func (Noop) Publish(context.Context, SyncEvent) error { return nil }

// PubSubPublisher writes events to a Google Pub/Sub topic.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher connects to projectID. credentialsJSON may be empty to use
// application default credentials.
func NewPubSubPublisher(ctx context.Context, projectID, topic, credentialsJSON string) (*PubSubPublisher, error) {
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID is required")
	}
	if topic == "" {
		return nil, errors.New("PUBSUB_TOPIC is required")
	}

	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &PubSubPublisher{client: client, topic: client.Topic(topic)}, nil
}

// Publish sends ev and waits for the server to accept it
func (p *PubSubPublisher) Publish(ctx context.Context, ev SyncEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"status":         ev.Status,
			"sync_type":      ev.SyncType,
			"master_menu_id": strconv.FormatUint(ev.MasterMenuID, 10),
			"location_id":    ev.LocationID,
		},
	})
	_, err = result.Get(ctx)
	return err
}

// Close flushes pending publishes and closes the client
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
