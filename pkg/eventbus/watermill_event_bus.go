package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/identra/identra/pkg/events"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

// newEventEnvelope returns a zero value of the concrete event struct for an
// event type so the JSON payload can be unmarshaled into it.
func newEventEnvelope(eventType events.EventType) any {
	switch eventType {
	case events.IdentityCreatedEvent:
		return &events.IdentityCreated{}
	case events.IdentityUpdatedEvent:
		return &events.IdentityUpdated{}
	case events.IdentityArchivedEvent:
		return &events.IdentityArchived{}
	case events.IdentitiesMergedEvent:
		return &events.IdentitiesMerged{}
	case events.RelationshipEstablishedEvent:
		return &events.RelationshipEstablished{}
	case events.RelationshipRevokedEvent:
		return &events.RelationshipRevoked{}
	case events.RelationshipExpiredEvent:
		return &events.RelationshipExpired{}
	case events.WorkflowStartedEvent:
		return &events.WorkflowStarted{}
	case events.WorkflowStepCompletedEvent:
		return &events.WorkflowStepCompleted{}
	case events.WorkflowCompletedEvent:
		return &events.WorkflowCompleted{}
	case events.WorkflowTimedOutEvent:
		return &events.WorkflowTimedOut{}
	case events.WorkflowCancelledEvent:
		return &events.WorkflowCancelled{}
	case events.VerificationStartedEvent:
		return &events.VerificationStarted{}
	case events.VerificationCompletedEvent:
		return &events.VerificationCompleted{}
	case events.ProjectionCreatedEvent:
		return &events.ProjectionCreated{}
	case events.ProjectionSyncedEvent:
		return &events.ProjectionSynced{}
	default:
		return nil
	}
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			handler, exists := eb.subscriptions[eventType]
			if !exists {
				msg.Ack()

				continue
			}

			event := newEventEnvelope(eventType)
			if event == nil {
				msg.Nack()

				continue
			}

			err := json.Unmarshal(msg.Payload, event)
			if err != nil {
				msg.Nack()

				continue
			}

			err = handler(ctx, event)
			if err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
