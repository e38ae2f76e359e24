package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/agentmesh/agent-hub/internal/domain/event"
	"github.com/agentmesh/agent-hub/internal/domain/model"
)

var (
	ErrStopped          = errors.New("engine stopped")
	ErrMissingSender    = errors.New("sender is required")
	ErrNoRecipients     = errors.New("at least one recipient is required")
	ErrConfirmationLoop = errors.New("confirmations never produce confirmations")
)

// Send validates and registers a tracked message, then kicks off the
// asynchronous attempt loop. The returned snapshot reflects the pending
// state; delivery progress is observable through Status and the bus.
func (e *Engine) Send(ctx context.Context, req model.SendRequest) (*model.Message, error) {
	if req.From == "" {
		return nil, ErrMissingSender
	}

	broadcast := req.Broadcast || (len(req.To) == 1 && req.To[0] == model.BroadcastToken)

	var mode model.DeliveryMode
	var targets []string
	switch {
	case broadcast:
		mode = model.ModeBroadcast
		// Expansion is frozen here; retries reuse this exact list.
		for _, id := range e.resolver.AllLiveAgentIDs() {
			if id != req.From {
				targets = append(targets, id)
			}
		}
	case len(req.To) == 1:
		mode = model.ModeA2A
		targets = []string{req.To[0]}
	case len(req.To) > 1:
		mode = model.ModeA2MA
		targets = dedupe(req.To)
	default:
		return nil, ErrNoRecipients
	}

	msgType := req.Type
	if msgType == "" {
		msgType = model.TypeContent
	}

	depth := 0
	if msgType == model.TypeConfirmation {
		if req.ConfirmationChainDepth > 1 {
			return nil, ErrConfirmationLoop
		}
		depth = 1
	}

	// Policy flags may be true only for content messages; legacy mode
	// strips them entirely.
	requiresAck := false
	requiresRead := false
	if msgType == model.TypeContent && e.cfg.Enhanced {
		requiresAck = true
		if req.RequiresAck != nil {
			requiresAck = *req.RequiresAck
		}
		requiresRead = requiresAck
		if req.RequiresReadReceipt != nil {
			requiresRead = *req.RequiresReadReceipt
		}
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}

	to := req.To
	if broadcast {
		to = []string{model.BroadcastToken}
	}

	msg := &model.Message{
		ID:                     uuid.NewString(),
		From:                   req.From,
		To:                     to,
		DeliveryMode:           mode,
		Type:                   msgType,
		Priority:               priority,
		Content:                req.Content,
		Metadata:               req.Metadata,
		CreatedAt:              time.Now(),
		RequiresAck:            requiresAck,
		RequiresReadReceipt:    requiresRead,
		ConfirmationChainDepth: depth,
		Status:                 model.StatusPending,
	}

	state := make(map[string]*model.RecipientState, len(targets))
	for _, agent := range targets {
		state[agent] = &model.RecipientState{Status: model.StatusPending}
	}
	if mode != model.ModeA2A {
		msg.Recipients = state
	}

	t := &tracked{
		msg:       msg,
		targets:   targets,
		state:     state,
		processed: make(map[string]struct{}),
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	e.tracked[msg.ID] = t
	snap := msg.Clone()
	e.mu.Unlock()

	if e.auditor != nil {
		go e.auditor.AuditSend(context.WithoutCancel(ctx), snap)
	}

	go e.attempt(msg.ID)

	return snap, nil
}

// attempt runs one delivery round: resolve live instances for every
// still-undelivered recipient, emit envelopes, then either arm the ack
// timer, schedule a retry, or finalize.
func (e *Engine) attempt(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tracked[id]
	if !ok || t.done {
		return
	}
	t.retryTimer = nil

	now := time.Now()
	t.msg.Attempts++
	t.msg.LastAttemptAt = &now
	if t.msg.Status.CanAdvance(model.StatusSent) {
		t.msg.Status = model.StatusSent
	}

	deliveredNow := false
	for _, agent := range t.targets {
		rs := t.state[agent]
		if rs.Status.Rank() >= model.StatusDelivered.Rank() || rs.Status.Terminal() {
			continue
		}

		instances := e.resolver.LiveInstances(agent)
		if len(instances) == 0 {
			continue // retried next round, failed on exhaustion
		}

		// Only the freshest instance is tried within a single attempt.
		inst := instances[0]
		env := model.Envelope{
			Kind:                model.EnvelopeDeliver,
			MessageID:           t.msg.ID,
			From:                t.msg.From,
			ToAgent:             agent,
			ToInstance:          inst.InstanceID,
			Type:                t.msg.Type,
			Priority:            t.msg.Priority,
			Content:             t.msg.Content,
			Metadata:            t.msg.Metadata,
			RequiresAck:         t.msg.RequiresAck,
			RequiresReadReceipt: t.msg.RequiresReadReceipt,
		}
		if !e.transport.Deliver(env) {
			continue
		}

		stamp := time.Now()
		rs.Status = model.StatusDelivered
		rs.DeliveredAt = &stamp
		deliveredNow = true
	}

	if !deliveredNow && !anyDelivered(t) {
		// Every failed attempt schedules its backoff window, the last one
		// included: the verdict lands one full backoff after the final
		// attempt, not the instant it misses.
		backoff := e.cfg.BaseBackoff << (t.msg.Attempts - 1)
		if t.msg.Attempts < e.cfg.MaxRetries {
			t.retryTimer = time.AfterFunc(backoff, func() { e.attempt(id) })
		} else {
			t.retryTimer = time.AfterFunc(backoff, func() { e.exhaust(id) })
		}
		return
	}

	// At least one recipient holds the message now; the stragglers of
	// this round are failed for good rather than retried.
	for _, rs := range t.state {
		if rs.Status.Rank() < model.StatusDelivered.Rank() && !rs.Status.Terminal() {
			rs.Status = model.StatusFailed
		}
	}

	if t.msg.Status.CanAdvance(model.StatusDelivered) {
		stamp := time.Now()
		t.msg.Status = model.StatusDelivered
		t.msg.DeliveredAt = &stamp

		ev := event.New(event.TopicDeliveryConfirmed)
		ev.MessageID = t.msg.ID
		ev.From = t.msg.From
		ev.Agents = append([]string{t.msg.From}, deliveredAgents(t)...)
		e.transport.Publish(ev)
	}

	if t.msg.RequiresAck {
		if t.ackTimer == nil {
			t.ackTimer = time.AfterFunc(e.cfg.AckTimeout, func() { e.expireAck(id) })
		}
		return
	}

	// Legacy / fire-and-forget path: nothing more will arrive for this
	// message, finalize synchronously once every recipient settled.
	allSettled := true
	for _, rs := range t.state {
		if rs.Status.Rank() < model.StatusDelivered.Rank() && !rs.Status.Terminal() {
			allSettled = false
			break
		}
	}
	if allSettled {
		e.evictLocked(t)
	}
}

// exhaust fires after the final backoff window of a message no recipient
// ever held, and declares it failed.
func (e *Engine) exhaust(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tracked[id]
	if !ok || t.done {
		return
	}
	t.retryTimer = nil
	e.failLocked(t, "no live instance")
}

// expireAck terminates a delivered message whose ack window elapsed.
func (e *Engine) expireAck(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tracked[id]
	if !ok || t.done {
		return
	}

	now := time.Now()
	t.msg.Status = model.StatusTimeout
	t.msg.TimeoutAt = &now

	ev := event.New(event.TopicAckTimeout)
	ev.MessageID = t.msg.ID
	ev.From = t.msg.From
	ev.Agents = append([]string{t.msg.From}, t.targets...)
	e.transport.Publish(ev)

	e.evictLocked(t)
}

func anyDelivered(t *tracked) bool {
	for _, rs := range t.state {
		if rs.Status.Rank() >= model.StatusDelivered.Rank() && !rs.Status.Terminal() {
			return true
		}
		if rs.Status == model.StatusRead {
			return true
		}
	}
	return false
}

func deliveredAgents(t *tracked) []string {
	var out []string
	for _, agent := range t.targets {
		rs := t.state[agent]
		if rs.Status.Rank() >= model.StatusDelivered.Rank() && rs.Status != model.StatusFailed && rs.Status != model.StatusTimeout {
			out = append(out, agent)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
