// Package dispatch routes decoded inbound messages to registered delegates
// and tracks responses that are deferred on a human decision.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/perch-dev/perch/internal/domain"
)

// Responder writes responses and unsolicited broadcasts back to the child
// process. Implemented by ipc.Conn.
type Responder interface {
	// Respond writes one response envelope.
	Respond(resp domain.Response) error

	// Broadcast writes an unsolicited message with a fresh correlation id.
	// No reply is expected.
	Broadcast(msgType domain.MessageType, payload any) error
}

type outcomeKind int

const (
	outcomeHandled outcomeKind = iota
	outcomeNotForMe
	outcomePending
	outcomeFailed
)

// Outcome is a delegate's verdict on one message: claim it (handled), decline
// it (notForMe), claim it but defer the reply (pending), or claim it and
// report an error (failed).
type Outcome struct {
	data any
	err  error
	kind outcomeKind
}

// Handled claims the message; data (possibly nil) becomes the success payload.
func Handled(data any) Outcome { return Outcome{kind: outcomeHandled, data: data} }

// NotForMe declines the message so the next delegate is probed.
func NotForMe() Outcome { return Outcome{kind: outcomeNotForMe} }

// Pending claims the message but defers the response; no reply is written
// until the pending entry is resolved through the Responder.
func Pending() Outcome { return Outcome{kind: outcomePending} }

// Failed claims the message and reports a failure reason to the caller.
func Failed(err error) Outcome { return Outcome{kind: outcomeFailed, err: err} }

// Delegate is a handler that may claim, decline, or defer an inbound message.
type Delegate interface {
	Handle(ctx context.Context, env *domain.Envelope) Outcome
}

// Router walks registered delegates in order and stops at the first that
// does not decline. First claim wins; this is not a broadcast. If every
// delegate declines, a failure response is synthesized so the caller is
// never left hanging.
type Router struct {
	responder Responder
	logger    *slog.Logger
	delegates []Delegate
}

// NewRouter creates a router writing responses through the given responder.
func NewRouter(responder Responder, logger *slog.Logger) *Router {
	return &Router{responder: responder, logger: logger}
}

// Register appends a delegate. Registration order is probe order.
func (r *Router) Register(d Delegate) {
	r.delegates = append(r.delegates, d)
}

// Dispatch routes one decoded message. Every well-formed message produces
// exactly one response: written here for handled/failed/unclaimed messages,
// or later through the pending-response registry.
func (r *Router) Dispatch(ctx context.Context, env *domain.Envelope) {
	for _, d := range r.delegates {
		out := d.Handle(ctx, env)
		switch out.kind {
		case outcomeNotForMe:
			continue
		case outcomeHandled:
			r.respond(domain.SuccessResponse(env.ID, out.data))
			return
		case outcomePending:
			r.logger.Debug("response deferred", "type", env.Type, "id", env.ID)
			return
		case outcomeFailed:
			r.respond(domain.FailureResponse(env.ID, out.err.Error()))
			return
		}
	}

	// No delegate claimed the message.
	r.respond(domain.FailureResponse(env.ID, unclaimedReason(env.Type)))
}

func (r *Router) respond(resp domain.Response) {
	if err := r.responder.Respond(resp); err != nil {
		r.logger.Error("failed to write response", "id", resp.ID, "error", err)
	}
}

// unclaimedReason picks a domain-appropriate failure message for a message
// no delegate claimed.
func unclaimedReason(t domain.MessageType) string {
	switch t {
	case domain.MessageTaskspaceState, domain.MessageUpdateTaskspace,
		domain.MessageDeleteTaskspace, domain.MessageLogProgress,
		domain.MessageSignalUser, domain.MessageRegisterWindow:
		return domain.ErrTaskspaceNotFound.Error()
	case domain.MessageSpawnTaskspace:
		return domain.ErrProjectNotFound.Error()
	default:
		return fmt.Sprintf("unsupported message type: %s", t)
	}
}
