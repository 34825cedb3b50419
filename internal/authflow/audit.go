package authflow

import (
	"context"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/middleware/correlation"
	"github.com/openkcm/vault-gateway/internal/session"
)

const auditSource = "vault gateway"

func (c *Controller) auditLoginSuccess(ctx context.Context, s session.Session) {
	if c.audit == nil {
		slogctx.Warn(ctx, "audit logger is nil; skipping user login success event")
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(auditSource, s.WebID, correlation.FromContext(ctx))
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginSuccessEvent(metadata, s.WebID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.MFATYPE_NONE, otlpaudit.USERTYPE_BUSINESS, s.WebID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := c.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login success", "error", err)
		return
	}
	slogctx.Debug(ctx, "sent audit log for user login success")
}

// auditLoginFailure reports a failed login. The object is the OIDC session
// since a failed login has no WebID.
func (c *Controller) auditLoginFailure(ctx context.Context, s session.Session, reason string) {
	if c.audit == nil {
		slogctx.Warn(ctx, "audit logger is nil; skipping user login failure event")
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(auditSource, s.OIDCSessionID, correlation.FromContext(ctx))
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginFailureEvent(metadata, s.OIDCSessionID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.FailReason(reason), s.OIDCSessionID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := c.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login failure", "error", err)
		return
	}
	slogctx.Debug(ctx, "sent audit log for user login failure")
}
