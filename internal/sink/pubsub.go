package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/jobsift/harvester/internal/harvest"
)

// PubSub publishes record batches to a Google Cloud Pub/Sub topic. One
// message carries one target's batch.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSub connects a client and resolves the topic.
func NewPubSub(ctx context.Context, projectID, topicID string) (*PubSub, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("sink.project_id and sink.topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSub{client: client, topic: client.Topic(topicID)}, nil
}

// Session implements harvest.SinkProvider. The topic handle is safe for
// concurrent publishers, so sessions share it.
func (p *PubSub) Session(ctx context.Context) (harvest.Sink, error) {
	return &pubsubSession{topic: p.topic}, nil
}

// Close stops the topic's publish goroutines and closes the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

type pubsubSession struct {
	topic *pubsub.Topic
}

type recordBatch struct {
	TargetID string                     `json:"target_id"`
	Records  []harvest.NormalizedRecord `json:"records"`
}

func (s *pubsubSession) Publish(ctx context.Context, targetID string, records []harvest.NormalizedRecord) error {
	data, err := json.Marshal(recordBatch{TargetID: targetID, Records: records})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"target_id": targetID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

func (s *pubsubSession) Close() error { return nil }
