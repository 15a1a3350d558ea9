// Package messaging forwards tree change notifications to external buses.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"loom-backend/internal/domain/events"
)

// DefaultSource is the EventBridge source of every published event.
const DefaultSource = "loom.backend"

// maxEntries is the PutEvents request limit.
const maxEntries = 10

// Publisher sends domain events somewhere.
type Publisher interface {
	Publish(ctx context.Context, evts []events.DomainEvent) error
}

// PutEventsAPI is the subset of the EventBridge client the publisher uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgePublisher publishes domain events to an EventBridge bus.
type EventBridgePublisher struct {
	client       PutEventsAPI
	eventBusName string
	source       string
	maxTries     uint
	logger       *zap.Logger
}

// NewEventBridgePublisher creates a publisher on eventBusName. An empty source
// falls back to DefaultSource.
func NewEventBridgePublisher(client PutEventsAPI, eventBusName, source string, logger *zap.Logger) *EventBridgePublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if source == "" {
		source = DefaultSource
	}
	return &EventBridgePublisher{
		client:       client,
		eventBusName: eventBusName,
		source:       source,
		maxTries:     3,
		logger:       logger,
	}
}

// Publish sends evts in chunks of ten. Chunks with failed entries are retried
// with exponential backoff, resubmitting only the failed entries.
func (p *EventBridgePublisher) Publish(ctx context.Context, evts []events.DomainEvent) error {
	for i := 0; i < len(evts); i += maxEntries {
		end := min(i+maxEntries, len(evts))
		if err := p.publishChunk(ctx, evts[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *EventBridgePublisher) publishChunk(ctx context.Context, evts []events.DomainEvent) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(evts))
	for _, evt := range evts {
		detail, err := json.Marshal(evt)
		if err != nil {
			p.logger.Error("Failed to marshal event",
				zap.Error(err),
				zap.String("event_type", evt.GetEventType()),
			)
			continue
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.eventBusName),
			Source:       aws.String(p.source),
			DetailType:   aws.String(evt.GetEventType()),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(evt.GetTimestamp()),
			Resources:    []string{fmt.Sprintf("loom:document:%s", evt.GetAggregateID())},
		})
	}
	if len(entries) == 0 {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond

	pending := entries
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: pending})
		if err != nil {
			return struct{}{}, err
		}
		if out.FailedEntryCount == 0 {
			return struct{}{}, nil
		}
		var failed []types.PutEventsRequestEntry
		for i, res := range out.Entries {
			if res.ErrorCode == nil || i >= len(pending) {
				continue
			}
			p.logger.Warn("Event rejected by EventBridge",
				zap.String("event_type", aws.ToString(pending[i].DetailType)),
				zap.String("error_code", aws.ToString(res.ErrorCode)),
				zap.String("error_message", aws.ToString(res.ErrorMessage)),
			)
			failed = append(failed, pending[i])
		}
		pending = failed
		return struct{}{}, fmt.Errorf("%d events failed to publish", out.FailedEntryCount)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.maxTries))
	if err != nil {
		return fmt.Errorf("failed to publish events to EventBridge: %w", err)
	}

	p.logger.Debug("Events published to EventBridge",
		zap.Int("count", len(entries)),
		zap.String("event_bus", p.eventBusName),
	)
	return nil
}
