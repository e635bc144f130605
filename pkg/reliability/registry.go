package reliability

import (
	"context"
	"strings"
	"time"
)

// DefaultWindow is the retention used when no duplicate detection window
// is configured.
const DefaultWindow = 10 * time.Minute

// Outcome is the result of registering a message.
type Outcome int

const (
	// OutcomeNew means the message was seen for the first time.
	OutcomeNew Outcome = iota
	// OutcomeDuplicate means the message was registered before.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	if o == OutcomeDuplicate {
		return "duplicate"
	}
	return "new"
}

// Registry records inbound messages and reports re-deliveries.
// Implementations must be safe for concurrent use.
type Registry interface {
	RegisterAndCheck(ctx context.Context, messageID, profileID, pmodeID string) (Outcome, error)
	// Release forgets a registration so that a re-delivery of a message
	// whose processing failed is handled again. Releasing an unknown
	// registration is not an error.
	Release(ctx context.Context, messageID, profileID, pmodeID string) error
}

// WindowRegistry is implemented by registries that accept a retention
// window per registration, such as the one configured on a PMode.
type WindowRegistry interface {
	Registry
	RegisterAndCheckWithin(ctx context.Context, window time.Duration, messageID, profileID, pmodeID string) (Outcome, error)
}

// Key joins the registration triple into a single key.
func Key(messageID, profileID, pmodeID string) string {
	return strings.Join([]string{escape(messageID), escape(profileID), escape(pmodeID)}, "|")
}

func escape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "|", `\|`)
}
