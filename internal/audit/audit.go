// Package audit defines the immutable identity audit event and the sink
// abstraction the authentication core emits into. Sinks replace the legacy
// process-wide static event lists: everything is injected explicitly.
package audit

import (
	"context"
	"strings"
	"time"

	"atriumcms.org/internal/ids"
)

// Action identifies the identity transition an event records.
type Action string

const (
	ActionAccountLocked          Action = "backoffice/account-locked"
	ActionAccountUnlocked        Action = "backoffice/account-unlocked"
	ActionForgotPasswordRequest  Action = "backoffice/forgot-password-requested"
	ActionLoginFailed            Action = "backoffice/login-failed"
	ActionLoginRequiresVerify    Action = "backoffice/login-requires-verification"
	ActionLoginSuccess           Action = "backoffice/login-success"
	ActionLogoutSuccess          Action = "backoffice/logout-success"
	ActionPasswordChanged        Action = "backoffice/password-changed"
	ActionPasswordReset          Action = "backoffice/password-reset"
	ActionResetAccessFailedCount Action = "backoffice/reset-access-failed-count"
	ActionSendingUserInvite      Action = "backoffice/sending-user-invite"
	ActionSessionRevoked         Action = "backoffice/session-revoked"
)

// Event is an immutable record of an identity transition. Events are created
// at the transition and never mutated afterwards.
type Event struct {
	ID               string    `json:"id"`
	Action           Action    `json:"action"`
	OccurredAtUTC    time.Time `json:"occurred_at"`
	IPAddress        string    `json:"ip,omitempty"`
	AffectedUserID   int       `json:"affected_user_id"`
	AffectedUsername string    `json:"affected_username,omitempty"`
	PerformingUserID int       `json:"performing_user_id"`
	Comment          string    `json:"comment,omitempty"`
}

// Sink consumes audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, evt Event)
}

// New builds an event, filling id, timestamp, source IP and performing user
// from the request context when the caller left them unset. The performing
// user defaults to the authenticated user of the current request; -1 marks
// an unattributed (anonymous) actor.
func New(ctx context.Context, action Action, affectedUserID int, comment string) Event {
	evt := Event{
		ID:               ids.New(),
		Action:           action,
		OccurredAtUTC:    time.Now().UTC(),
		AffectedUserID:   affectedUserID,
		PerformingUserID: -1,
		Comment:          comment,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		evt.PerformingUserID = actor
	}
	if ip := ipFromContext(ctx); ip != "" {
		evt.IPAddress = ip
	}
	return evt
}

type actorKey struct{}
type ipKey struct{}
type requestIDKey struct{}

// WithActor attaches the authenticated user id performing the request.
func WithActor(ctx context.Context, userID int) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext returns the performing user id, if one was attached.
func ActorFromContext(ctx context.Context) (int, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(actorKey{}).(int)
	return v, ok
}

// WithIP attaches the source IP of the current request.
func WithIP(ctx context.Context, ip string) context.Context {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipKey{}, ip)
}

func ipFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ipKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestID attaches the request identifier for sink correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}
