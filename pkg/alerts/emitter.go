package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

// Event is one observability event emitted by the pipeline. Monitors and
// workers emit these instead of raising to a caller.
type Event struct {
	ID         string               `json:"id"`
	Type       enums.AlertEventType `json:"type"`
	SubjectID  string               `json:"subject_id,omitempty"`
	ResourceID string               `json:"resource_id,omitempty"`
	Message    string               `json:"message,omitempty"`
	Fields     map[string]any       `json:"fields,omitempty"`
	EmittedAt  time.Time            `json:"emitted_at"`
}

// Emitter publishes pipeline events for external observability.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

var errProjectIDRequired = errors.New("gcp project id is required")

// Publisher emits events to a Pub/Sub topic.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	logg      *logger.Logger
}

// NewPublisher creates a Pub/Sub publisher for the configured alerts topic.
func NewPublisher(ctx context.Context, gcp config.GCPConfig, cfg config.AlertsConfig, logg *logger.Logger) (*Publisher, error) {
	project := strings.TrimSpace(gcp.ProjectID)
	if project == "" {
		return nil, errProjectIDRequired
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("alerts topic is required")
	}

	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	name := topic
	if !strings.HasPrefix(name, "projects/") {
		name = fmt.Sprintf("projects/%s/topics/%s", project, topic)
	}

	if logg != nil {
		logg.Info(ctx, "alerts publisher initialized")
	}

	return &Publisher{
		client:    client,
		publisher: client.Publisher(name),
		logg:      logg,
	}, nil
}

// Emit publishes the event and waits for the server acknowledgment.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if p == nil || p.publisher == nil {
		return errors.New("alerts publisher not initialized")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding alert event: %w", err)
	}
	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_id":   event.ID,
			"event_type": string(event.Type),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing alert event: %w", err)
	}
	return nil
}

// Close releases the Pub/Sub client resources.
func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Noop drops every event. Used when alerting is not configured, so pipeline
// code never branches on a nil emitter.
type Noop struct{}

func (Noop) Emit(context.Context, Event) error { return nil }

// NewEmitter returns a Pub/Sub publisher when the alerts topic is configured
// and a Noop emitter otherwise.
func NewEmitter(ctx context.Context, gcp config.GCPConfig, cfg config.AlertsConfig, logg *logger.Logger) (Emitter, func() error, error) {
	if strings.TrimSpace(cfg.Topic) == "" || strings.TrimSpace(gcp.ProjectID) == "" {
		if logg != nil {
			logg.Warn(ctx, "alerts topic not configured; events will be dropped")
		}
		return Noop{}, func() error { return nil }, nil
	}
	publisher, err := NewPublisher(ctx, gcp, cfg, logg)
	if err != nil {
		return nil, nil, err
	}
	return publisher, publisher.Close, nil
}
