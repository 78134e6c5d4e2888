/*
notify.go - Fan-out of committed ledger events

PURPOSE:
  Other LifeOS services (dashboards, reminders) follow a user's plan by
  listening to ledger events instead of polling the store. Publishers here
  implement finance.Sink and are attached to the Guard; they only ever see
  events that already committed.

SUBJECTS:
  <prefix>.<user>.<kind>     e.g. lifeos.ledger.u42.debt-removed

  Characters NATS reserves in subjects (. * > and whitespace) are replaced
  with '_' in the user id.

FAILURE:
  A failed publish is logged and dropped. The ledger is the source of truth;
  subscribers can always re-read it.

SEE ALSO:
  - finance/guard.go: Calls EventCommitted after each commit
*/
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/lifeos/decision-engine/finance"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "lifeos.ledger"

// LedgerMessage is the JSON body published for every committed event.
type LedgerMessage struct {
	UserID      string              `json:"userId"`
	EventID     int64               `json:"eventId"`
	Kind        finance.EventKind   `json:"kind"`
	Amount      decimal.NullDecimal `json:"amount"`
	Description string              `json:"description,omitempty"`
	Timestamp   int64               `json:"timestamp"`
	PhaseBefore finance.Phase       `json:"phaseBefore"`
	PhaseAfter  finance.Phase       `json:"phaseAfter"`
	TotalDebt   decimal.NullDecimal `json:"totalDebt"`
}

// NewLedgerMessage flattens e for publication.
func NewLedgerMessage(userID string, e finance.Event) LedgerMessage {
	return LedgerMessage{
		UserID:      userID,
		EventID:     e.ID,
		Kind:        e.Kind,
		Amount:      e.Amount,
		Description: e.Description,
		Timestamp:   e.Timestamp,
		PhaseBefore: e.Before.Phase,
		PhaseAfter:  e.After.Phase,
		TotalDebt:   e.After.TotalDebt,
	}
}

// =============================================================================
// NATS
// =============================================================================

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends ledger events to NATS.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a publisher on conn. An empty prefix uses
// DefaultSubject.
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Connect dials a NATS server for the publisher.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("lifeos-decision-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// Subject returns the subject an event of kind for userID is published on.
func (p *Publisher) Subject(userID string, kind finance.EventKind) string {
	return p.prefix + "." + subjectToken(userID) + "." + string(kind)
}

// EventCommitted implements finance.Sink.
func (p *Publisher) EventCommitted(ctx context.Context, userID string, e finance.Event) {
	data, err := json.Marshal(NewLedgerMessage(userID, e))
	if err != nil {
		p.logger.Warn("Failed to encode ledger event", "user", userID, "event_id", e.ID, "error", err)
		return
	}
	subject := p.Subject(userID, e.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish ledger event", "subject", subject, "event_id", e.ID, "error", err)
		return
	}
	p.logger.Debug("Ledger event published", "subject", subject, "event_id", e.ID)
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, s)
}

// =============================================================================
// NOOP
// =============================================================================

// Noop discards events. Used when no NATS URL is configured.
type Noop struct{}

func (Noop) EventCommitted(context.Context, string, finance.Event) {}
