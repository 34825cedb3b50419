package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/samber/oops"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/config"
	"github.com/openkcm/vault-gateway/internal/middleware/correlation"
	"github.com/openkcm/vault-gateway/internal/pod/podhttp"
	"github.com/openkcm/vault-gateway/pkg/fingerprint"
)

// createHTTPServer creates the public API server using the given config.
func createHTTPServer(_ context.Context, cfg *config.Config, deps Dependencies) *http.Server {
	s := newAPIServer(cfg, deps)
	traced := newTraceMiddleware(cfg)

	mux := http.NewServeMux()
	route := func(pattern, operationID string, h http.HandlerFunc) {
		mux.Handle(pattern, traced(operationID, h))
	}

	route("GET /login", "StartLogin", s.login)
	route("GET /logout", "Logout", s.logout)
	route("GET /oidc-redirect", "CompleteRedirect", s.oidcRedirect)
	route("GET /session-information", "SessionInformation", s.sessionInformation)
	route("POST /access-request", "IssueAccessRequest", s.issueAccessRequest)
	route("POST /access-grant", "StoreAccessGrant", s.storeAccessGrant)
	route("GET /access-grant", "ListAccessGrants", s.listAccessGrants)
	route("GET /ping", "Ping", pingHandlerFunc)

	if deps.Pods != nil {
		route("GET /read", "Read", s.read(deps.Pods.Read, podhttp.ContentTypeTurtle))
		route("GET /read-file", "ReadFile", s.read(deps.Pods.ReadFile, podhttp.ContentTypeBinary))
		route("POST /write", "Write", s.write(deps.Pods.Write))
		route("POST /write-file", "WriteFile", s.write(deps.Pods.WriteFile))
	}

	var handler http.Handler = mux
	handler = s.csrfMiddleware(handler)
	handler = fingerprint.Middleware(handler)
	handler = correlation.Middleware(handler)

	return &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: handler,
	}
}

// StartHTTPServer starts the public API server and shuts it down when the
// context is done.
func StartHTTPServer(ctx context.Context, cfg *config.Config, deps Dependencies) error {
	if err := initMeters(ctx, cfg); err != nil {
		return err
	}

	server := createHTTPServer(ctx, cfg, deps)

	slogctx.Info(ctx, "Starting a listener", "address", server.Addr)

	// Parse network if the address if provided in the format of network://address.
	// Otherwise use tcp network by default.
	network := "tcp"
	if idx := strings.IndexRune(server.Addr, ':'); idx != -1 && len(server.Addr) > idx+3 && server.Addr[idx:idx+3] == "://" {
		network = server.Addr[:idx]
		server.Addr = server.Addr[idx+3:]
	}

	listener, err := new(net.ListenConfig).Listen(ctx, network, server.Addr)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed to create a listener")
	}

	slogctx.Info(ctx, "A listener started", "address", listener.Addr().String())

	go func() {
		slogctx.Info(ctx, "Serving an HTTP server", "address", listener.Addr().String())
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogctx.Error(ctx, "Failed to serve an HTTP server", "error", err)
		}

		slogctx.Info(ctx, "Stopped an HTTP server")
	}()

	<-ctx.Done()

	shutdownCtx, shutdownRelease := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer shutdownRelease()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed shutting down HTTP server")
	}

	slogctx.Info(ctx, "Completed graceful shutdown of HTTP server")

	return nil
}
