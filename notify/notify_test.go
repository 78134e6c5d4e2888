package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/lifeos/decision-engine/finance"
	"github.com/lifeos/decision-engine/notify"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject: subject, data: data})
	return nil
}

func debtRemoved() finance.Event {
	before := finance.FinancialState{}.WithDebt(decimal.RequireFromString("500")).WithPhase(finance.PhaseStopBleeding)
	return finance.Event{
		ID:          2,
		Kind:        finance.KindDebtRemoved,
		Amount:      before.TotalDebt,
		Description: "debt of 500.00 removed",
		Timestamp:   1772355600,
		Before:      before,
		After:       before.Reset(),
	}
}

func TestPublisher_PublishesFlattenedEvent(t *testing.T) {
	// GIVEN: A publisher on the default prefix
	// WHEN: A debt-removed event commits
	// THEN: One message lands on lifeos.ledger.<user>.debt-removed

	conn := &fakeConn{}
	p := notify.NewPublisher(conn, "", nil)

	p.EventCommitted(context.Background(), "u42", debtRemoved())

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "lifeos.ledger.u42.debt-removed", conn.msgs[0].subject)

	var msg notify.LedgerMessage
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &msg))
	assert.Equal(t, "u42", msg.UserID)
	assert.Equal(t, int64(2), msg.EventID)
	assert.True(t, msg.Amount.Decimal.Equal(decimal.RequireFromString("500")))
	assert.Equal(t, finance.PhaseStopBleeding, msg.PhaseBefore)
	assert.Equal(t, finance.PhaseUninitialized, msg.PhaseAfter)
	assert.False(t, msg.TotalDebt.Valid)
}

func TestPublisher_SanitizesUserID(t *testing.T) {
	p := notify.NewPublisher(&fakeConn{}, "app.events.", nil)

	assert.Equal(t, "app.events.a_b_c_d.debt-added", p.Subject("a.b*c d", finance.KindDebtAdded))
	assert.Equal(t, "app.events._.debt-added", p.Subject("", finance.KindDebtAdded))
}

func TestPublisher_PublishFailureIsSwallowed(t *testing.T) {
	conn := &fakeConn{err: errors.New("connection closed")}
	p := notify.NewPublisher(conn, "", nil)

	assert.NotPanics(t, func() {
		p.EventCommitted(context.Background(), "u1", debtRemoved())
	})
	assert.Empty(t, conn.msgs)
}

func TestNoop_IsASink(t *testing.T) {
	var sink finance.Sink = notify.Noop{}
	sink.EventCommitted(context.Background(), "u1", debtRemoved())
}
