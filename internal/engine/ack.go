package engine

import (
	"context"
	"time"

	"github.com/agentmesh/agent-hub/internal/domain/event"
	"github.com/agentmesh/agent-hub/internal/domain/model"
)

// ProcessAck ingests a delivery acknowledgment or read receipt. Unknown
// messages and duplicate (agent, kind) pairs are ignored silently; both
// are ordinary protocol noise, not errors.
func (e *Engine) ProcessAck(ctx context.Context, ack model.Ack) {
	e.mu.Lock()

	t, ok := e.tracked[ack.MessageID]
	if !ok || t.done {
		e.mu.Unlock()
		return
	}

	if _, dup := t.processed[ack.Key()]; dup {
		e.mu.Unlock()
		return
	}
	t.processed[ack.Key()] = struct{}{}

	rs, ok := t.state[ack.From]
	if !ok || rs.Status.Terminal() && rs.Status != model.StatusRead {
		// Ack from a non-recipient, or from a recipient already failed.
		e.mu.Unlock()
		return
	}

	now := time.Now()
	var topic string
	switch ack.Kind {
	case model.AckDelivery:
		topic = event.TopicAcknowledged
		if rs.Status.CanAdvance(model.StatusAcknowledged) {
			rs.Status = model.StatusAcknowledged
			rs.AcknowledgedAt = &now
		}
	case model.AckRead:
		topic = event.TopicRead
		if rs.Status.CanAdvance(model.StatusRead) {
			rs.Status = model.StatusRead
			rs.ReadAt = &now
		}
	default:
		e.mu.Unlock()
		return
	}

	e.advanceAggregateLocked(t, ack.Kind, now)

	if t.ackTimer != nil && e.allAckedLocked(t) {
		t.ackTimer.Stop()
		t.ackTimer = nil
	}

	ev := event.New(topic)
	ev.MessageID = t.msg.ID
	ev.From = t.msg.From
	ev.AgentID = ack.From
	ev.Agents = []string{t.msg.From, ack.From}
	e.transport.Publish(ev)

	// Confirmation back to the sender, for content messages only. Never
	// for confirmations themselves: that is the loop guard.
	var confirm *model.SendRequest
	if t.msg.Type == model.TypeContent {
		kind := model.DeliveryConfirmed
		if ack.Kind == model.AckRead {
			kind = model.ReadConfirmed
		}
		confirm = &model.SendRequest{
			From: ack.From,
			To:   []string{t.msg.From},
			Type: model.TypeConfirmation,
			Content: model.ConfirmationPayload{
				Confirms:  kind,
				MessageID: t.msg.ID,
				By:        ack.From,
			},
			Priority:               model.PriorityMedium,
			ConfirmationChainDepth: t.msg.ConfirmationChainDepth + 1,
		}
	}

	if e.terminalLocked(t) {
		e.evictLocked(t)
	}
	e.mu.Unlock()

	if confirm != nil {
		if _, err := e.Send(context.WithoutCancel(ctx), *confirm); err != nil {
			// Emission failure never affects the original message.
			e.log.Warn("confirmation emission failed",
				"message_id", ack.MessageID,
				"err", err,
			)
		}
	}
}

// advanceAggregateLocked moves the top-level status. A2A mirrors its
// single recipient; multi-recipient modes advance when every non-failed
// recipient reached the phase.
func (e *Engine) advanceAggregateLocked(t *tracked, kind model.AckKind, now time.Time) {
	if t.msg.DeliveryMode == model.ModeA2A {
		rs := t.state[t.targets[0]]
		if t.msg.Status.CanAdvance(rs.Status) {
			t.msg.Status = rs.Status
		}
		switch rs.Status {
		case model.StatusAcknowledged:
			t.msg.AcknowledgedAt = rs.AcknowledgedAt
		case model.StatusRead:
			t.msg.ReadAt = rs.ReadAt
			if t.msg.AcknowledgedAt == nil {
				t.msg.AcknowledgedAt = rs.ReadAt
			}
		}
		return
	}

	if e.allAckedLocked(t) && t.msg.Status.CanAdvance(model.StatusAcknowledged) {
		t.msg.Status = model.StatusAcknowledged
		t.msg.AcknowledgedAt = &now
	}
	if kind == model.AckRead && e.allReadLocked(t) && t.msg.Status.CanAdvance(model.StatusRead) {
		t.msg.Status = model.StatusRead
		t.msg.ReadAt = &now
	}
}

// allAckedLocked reports whether every non-failed recipient acknowledged
// (or read, which implies it).
func (e *Engine) allAckedLocked(t *tracked) bool {
	for _, rs := range t.state {
		if rs.Status == model.StatusFailed || rs.Status == model.StatusTimeout {
			continue
		}
		if rs.Status.Rank() < model.StatusAcknowledged.Rank() {
			return false
		}
	}
	return true
}

func (e *Engine) allReadLocked(t *tracked) bool {
	for _, rs := range t.state {
		if rs.Status == model.StatusFailed || rs.Status == model.StatusTimeout {
			continue
		}
		if rs.Status != model.StatusRead {
			return false
		}
	}
	return true
}

// terminalLocked decides whether the whole message is finished: read (or
// acknowledged when read receipts are off) for every recipient that did
// not fail.
func (e *Engine) terminalLocked(t *tracked) bool {
	for _, rs := range t.state {
		if rs.Status == model.StatusFailed || rs.Status == model.StatusTimeout {
			continue
		}
		if t.msg.RequiresReadReceipt {
			if rs.Status != model.StatusRead {
				return false
			}
		} else {
			if rs.Status.Rank() < model.StatusAcknowledged.Rank() {
				return false
			}
		}
	}
	return true
}
