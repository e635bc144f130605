// Package storage provides the message archive of the receiving access
// point.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [MessageStore]: metadata and status of received ebMS messages
//   - [PayloadStore]: binary payload storage
//
// The [Store] interface combines both for convenience.
//
// # Implementations
//
// [MemoryStore] keeps everything in process and is meant for tests and
// single node development setups. The mongodb sub-package provides the
// production implementation with payloads in GridFS.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a message or payload does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned by CreateMessage for an already
// archived AS4 message id.
var ErrDuplicateMessage = errors.New("message already archived")

// Store is the main storage interface combining all sub-stores
type Store interface {
	MessageStore
	PayloadStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks connectivity of the backend
	Ping(ctx context.Context) error
}

// MessageStore manages archived messages
type MessageStore interface {
	// CreateMessage stores a new message. The ID is assigned when empty.
	CreateMessage(ctx context.Context, msg *Message) error

	// GetMessage retrieves a message by archive ID
	GetMessage(ctx context.Context, id string) (*Message, error)

	// GetMessageByAS4ID retrieves a message by AS4 message ID
	GetMessageByAS4ID(ctx context.Context, as4MessageID string) (*Message, error)

	// UpdateMessageStatus records the outcome of the response to a message
	UpdateMessageStatus(ctx context.Context, id string, update StatusUpdate) error

	// ListMessages returns messages with filtering, newest first
	ListMessages(ctx context.Context, filter *MessageFilter) ([]*Message, error)

	// CountMessages returns message count with filtering
	CountMessages(ctx context.Context, filter *MessageFilter) (int64, error)
}

// PayloadStore manages message payloads (large binary data)
type PayloadStore interface {
	// StorePayload stores a payload and returns its ID
	StorePayload(ctx context.Context, payload *PayloadData) (string, error)

	// GetPayload retrieves a payload by ID
	GetPayload(ctx context.Context, id string) (*PayloadData, error)

	// DeletePayload deletes a payload
	DeletePayload(ctx context.Context, id string) error
}

// Message is an archived inbound ebMS message.
type Message struct {
	ID         string `bson:"_id" json:"id"`
	IncomingID string `bson:"incoming_id" json:"incomingId"`
	Kind       string `bson:"kind" json:"kind"`
	Status     Status `bson:"status" json:"status"`

	// AS4 identifiers
	AS4MessageID   string `bson:"as4_message_id" json:"as4MessageId"`
	ConversationID string `bson:"conversation_id,omitempty" json:"conversationId,omitempty"`
	RefToMessageID string `bson:"ref_to_message_id,omitempty" json:"refToMessageId,omitempty"`

	PModeID   string `bson:"pmode_id,omitempty" json:"pmodeId,omitempty"`
	ProfileID string `bson:"profile_id,omitempty" json:"profileId,omitempty"`

	// Routing
	FromParty PartyID `bson:"from_party" json:"fromParty"`
	ToParty   PartyID `bson:"to_party" json:"toParty"`
	MPC       string  `bson:"mpc,omitempty" json:"mpc,omitempty"`

	// Business context
	Service    string            `bson:"service,omitempty" json:"service,omitempty"`
	Action     string            `bson:"action,omitempty" json:"action,omitempty"`
	Properties map[string]string `bson:"properties,omitempty" json:"properties,omitempty"`

	Payloads []PayloadRef `bson:"payloads" json:"payloads"`

	// Signal content
	ErrorCodes []string `bson:"error_codes,omitempty" json:"errorCodes,omitempty"`

	// Transport
	RemoteAddr string `bson:"remote_addr,omitempty" json:"remoteAddr,omitempty"`

	// Security
	SignatureValid bool   `bson:"signature_valid" json:"signatureValid"`
	SignerSubject  string `bson:"signer_subject,omitempty" json:"signerSubject,omitempty"`

	// Timestamps
	SentAt      *time.Time `bson:"sent_at,omitempty" json:"sentAt,omitempty"`
	ReceivedAt  time.Time  `bson:"received_at" json:"receivedAt"`
	RespondedAt *time.Time `bson:"responded_at,omitempty" json:"respondedAt,omitempty"`

	ResponseMessageID string `bson:"response_message_id,omitempty" json:"responseMessageId,omitempty"`
}

// PartyID identifies a sending or receiving party.
type PartyID struct {
	Type  string `bson:"type,omitempty" json:"type,omitempty"`
	Value string `bson:"value" json:"value"`
}

// Status tracks an archived message through response handling.
type Status string

const (
	StatusReceived       Status = "received"        // Dispatched, response pending
	StatusResponded      Status = "responded"       // Response sent or returned
	StatusNoResponse     Status = "no_response"     // Nothing was sent back
	StatusResponseFailed Status = "response_failed" // Asynchronous delivery failed
)

// StatusUpdate carries the values written by UpdateMessageStatus.
type StatusUpdate struct {
	Status            Status
	ResponseMessageID string
	At                time.Time
}

// MessageFilter narrows ListMessages and CountMessages.
type MessageFilter struct {
	Kind    string
	Status  Status
	Service string
	Action  string
	PModeID string
	Since   *time.Time
	Limit   int
	Offset  int
}

// PayloadRef references a stored payload
type PayloadRef struct {
	ID          string `bson:"id" json:"id"`
	ContentID   string `bson:"content_id" json:"contentId"`
	MimeType    string `bson:"mime_type" json:"mimeType"`
	Size        int64  `bson:"size" json:"size"`
	Compression string `bson:"compression,omitempty" json:"compression,omitempty"`
	Checksum    string `bson:"checksum" json:"checksum"`
}

// PayloadData holds payload content and metadata
type PayloadData struct {
	ID        string `json:"id"`
	ContentID string `json:"contentId"`
	MimeType  string `json:"mimeType"`
	Data      []byte `json:"-"`
	Checksum  string `json:"checksum"`
}

// Matches reports whether msg passes the filter.
func (f *MessageFilter) Matches(msg *Message) bool {
	if f == nil {
		return true
	}
	switch {
	case f.Kind != "" && msg.Kind != f.Kind,
		f.Status != "" && msg.Status != f.Status,
		f.Service != "" && msg.Service != f.Service,
		f.Action != "" && msg.Action != f.Action,
		f.PModeID != "" && msg.PModeID != f.PModeID,
		f.Since != nil && msg.ReceivedAt.Before(*f.Since):
		return false
	}
	return true
}
