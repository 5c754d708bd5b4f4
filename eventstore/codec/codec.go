// Package codec maps domain events to the opaque payload and metadata bytes of eventstore.EventData and back, as JSON.
//
// The store never looks into payloads. Codec is the userland collaborator that does:
//
//	registry := codec.NewRegistry()
//	codec.Register[ItemAdded](registry, "ItemAdded")
//
//	data, err := registry.Encode("ItemAdded", ItemAdded{SKU: "A"}, metadata)
//	...
//	domainEvent, err := registry.Decode(event) // domainEvent.(ItemAdded)
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

var (
	ErrEncodingPayloadFailed        = errors.New("encoding payload failed")
	ErrEncodingMetadataFailed       = errors.New("encoding metadata failed")
	ErrDecodingPayloadFailed        = errors.New("decoding payload failed")
	ErrMappingToEventMetadataFailed = errors.New("mapping to event metadata failed")
	ErrUnknownEventType             = errors.New("event type is not registered")
	ErrEventTypeAlreadyRegistered   = errors.New("event type is already registered")
)

type MessageID = string
type CausationID = string
type CorrelationID = string

// EventMetadata is the metadata every encoded event carries.
type EventMetadata struct {
	MessageID     MessageID     `json:"messageId"`
	CausationID   CausationID   `json:"causationId"`
	CorrelationID CorrelationID `json:"correlationId"`
}

func BuildEventMetadata(messageID uuid.UUID, causationID uuid.UUID, correlationID uuid.UUID) EventMetadata {
	return EventMetadata{
		MessageID:     messageID.String(),
		CausationID:   causationID.String(),
		CorrelationID: correlationID.String(),
	}
}

// MetadataFrom decodes the metadata of a committed event.
func MetadataFrom(event eventstore.Event) (EventMetadata, error) {
	metadata := new(EventMetadata)
	if err := jsoniter.ConfigFastest.Unmarshal(event.Metadata, metadata); err != nil {
		return EventMetadata{}, errors.Join(ErrMappingToEventMetadataFailed, err)
	}

	return *metadata, nil
}

type decoder func(payload []byte) (any, error)

// Registry knows how to decode the payload of each registered event type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]decoder)}
}

// Register makes Decode turn payloads of eventType into values of T.
func Register[T any](r *Registry, eventType string) error {
	if eventType == "" {
		return eventstore.ErrEmptyEventType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrEventTypeAlreadyRegistered, eventType)
	}

	r.decoders[eventType] = func(payload []byte) (any, error) {
		var value T
		if err := jsoniter.ConfigFastest.Unmarshal(payload, &value); err != nil {
			return nil, err
		}

		return value, nil
	}

	return nil
}

// Encode builds the EventData of a domain event. Encoding does not require eventType to be registered.
func (r *Registry) Encode(eventType string, payload any, metadata EventMetadata) (eventstore.EventData, error) {
	payloadJSON, err := jsoniter.ConfigFastest.Marshal(payload)
	if err != nil {
		return eventstore.EventData{}, errors.Join(ErrEncodingPayloadFailed, err)
	}

	metadataJSON, err := jsoniter.ConfigFastest.Marshal(metadata)
	if err != nil {
		return eventstore.EventData{}, errors.Join(ErrEncodingMetadataFailed, err)
	}

	return eventstore.BuildEventData(eventType, payloadJSON, metadataJSON)
}

// Decode returns the domain event of a committed event as the type registered for its EventType.
func (r *Registry) Decode(event eventstore.Event) (any, error) {
	r.mu.RLock()
	decode, ok := r.decoders[event.EventType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, event.EventType)
	}

	value, err := decode(event.Payload)
	if err != nil {
		return nil, errors.Join(ErrDecodingPayloadFailed, err)
	}

	return value, nil
}

// DecodeAll decodes events in order and stops at the first failure.
func (r *Registry) DecodeAll(events eventstore.Events) ([]any, error) {
	decoded := make([]any, 0, len(events))

	for _, event := range events {
		value, err := r.Decode(event)
		if err != nil {
			return nil, err
		}

		decoded = append(decoded, value)
	}

	return decoded, nil
}
