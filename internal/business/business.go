package business

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/oauth2/clientcredentials"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/accessgrant"
	"github.com/openkcm/vault-gateway/internal/accessgrant/vcservice"
	"github.com/openkcm/vault-gateway/internal/authflow"
	"github.com/openkcm/vault-gateway/internal/business/server"
	"github.com/openkcm/vault-gateway/internal/config"
	"github.com/openkcm/vault-gateway/internal/guard"
	"github.com/openkcm/vault-gateway/internal/oidc"
	"github.com/openkcm/vault-gateway/internal/pod/podhttp"
	"github.com/openkcm/vault-gateway/internal/protocolstore"
	protocolvalkey "github.com/openkcm/vault-gateway/internal/protocolstore/valkey"
	"github.com/openkcm/vault-gateway/internal/provisioning"
	"github.com/openkcm/vault-gateway/internal/provisioning/provisioningsql"
	sessionvalkey "github.com/openkcm/vault-gateway/internal/session/valkey"
)

const minCSRFSecretLength = 32

var errShortCSRFSecret = fmt.Errorf("CSRF secret must be at least %d bytes", minCSRFSecretLength)

// Main starts the public HTTP API server.
func Main(ctx context.Context, cfg *config.Config) error {
	csrfSecret, err := csrfSecretFromConfig(cfg)
	if err != nil {
		return err
	}

	db, err := newDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	valkeyClient, err := valkeyClientFromConfig(cfg)
	if err != nil {
		return err
	}
	defer valkeyClient.Close()

	deps, err := initDependencies(ctx, cfg, db, valkeyClient, csrfSecret)
	if err != nil {
		return err
	}

	return server.StartHTTPServer(ctx, cfg, deps)
}

// initDependencies assembles the components behind the HTTP handlers.
func initDependencies(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, valkeyClient valkey.Client, csrfSecret []byte) (server.Dependencies, error) {
	sessions := sessionvalkey.NewRepository(valkeyClient, cfg.ValKey.Prefix)
	locker := sessionvalkey.NewLocker(valkeyClient, cfg.ValKey.Prefix, cfg.Session.LockTTL)

	keyFormat, err := protocolstore.ParseKeyFormat(cfg.OIDC.ProtocolKeyFormat)
	if err != nil {
		return server.Dependencies{}, fmt.Errorf("parsing oidc protocol key format: %w", err)
	}
	records := protocolstore.NewRecords(
		protocolvalkey.NewStore(valkeyClient, cfg.ValKey.Prefix),
		keyFormat,
		cfg.OIDC.ProtocolRecordTTL,
	)

	oidcCfg, err := oidcConfigFromConfig(cfg)
	if err != nil {
		return server.Dependencies{}, err
	}
	oidcClient := oidc.NewClient(oidcCfg, records, &http.Client{Timeout: cfg.OIDC.Timeout})

	realmClient, err := serviceRealmClient(ctx, cfg)
	if err != nil {
		return server.Dependencies{}, err
	}

	provisioner := provisioning.NewService(
		provisioningsql.NewLedger(db),
		provisioning.NewClient(cfg.Provisioning.BaseURL, cfg.Provisioning.Path, &http.Client{Timeout: cfg.Provisioning.Timeout}),
		cfg.Session.WorkaroundTimeout,
	)

	pods := podhttp.NewClient(&http.Client{Timeout: cfg.Pod.Timeout}, cfg.Pod.GrantHeader, cfg.Pod.ProfileCacheTTL)

	grants := accessgrant.NewManager(
		sessions,
		locker,
		vcservice.NewClient(cfg.AccessGrant.BaseURL, cfg.AccessGrant.AccessRequestPath, cfg.AccessGrant.GrantsPath, realmClient),
		pods,
	)

	auditLogger, err := otlpaudit.NewLogger(&cfg.Audit)
	if err != nil {
		return server.Dependencies{}, fmt.Errorf("creating audit logger: %w", err)
	}

	flow, err := authflow.New(authflow.Config{
		Scopes:                 cfg.OIDC.Scopes,
		FrontendURL:            cfg.Frontend.BaseURL,
		AllowedRedirectOrigins: cfg.Frontend.AllowedRedirectOrigins,
		Locales:                cfg.Frontend.Locales,
		SessionDuration:        cfg.Session.Duration,
		WorkaroundTimeout:      cfg.Session.WorkaroundTimeout,
		CSRFSecret:             csrfSecret,
	}, sessions, locker, oidcClient, provisioner, auditLogger)
	if err != nil {
		return server.Dependencies{}, fmt.Errorf("creating the login flow: %w", err)
	}

	slogctx.Info(ctx, "Initialised the vault gateway", "issuer", cfg.OIDC.IssuerURL)

	return server.Dependencies{
		AuthFlow:     flow,
		AccessGrants: grants,
		Pods:         guard.New(sessions, pods),
		Sessions:     sessions,
		CSRFSecret:   csrfSecret,
	}, nil
}

// newDBPool opens a connection pool whose queries are traced and whose
// pool statistics are exported as metrics.
func newDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("making dsn from config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pgxpool config: %w", err)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	if err := otelpgx.RecordStats(db); err != nil {
		slogctx.Warn(ctx, "Could not record database pool statistics", "error", err)
	}

	return db, nil
}

func csrfSecretFromConfig(cfg *config.Config) ([]byte, error) {
	secret, err := config.LoadString(cfg.Session.CSRFSecret)
	if err != nil {
		return nil, fmt.Errorf("loading csrf token from source ref: %w", err)
	}

	if len(secret) < minCSRFSecretLength {
		return nil, errShortCSRFSecret
	}

	return []byte(secret), nil
}

func valkeyClientFromConfig(cfg *config.Config) (valkey.Client, error) {
	opts, err := config.MakeValKeyOptions(cfg.ValKey)
	if err != nil {
		return nil, fmt.Errorf("making valkey options from config: %w", err)
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return client, nil
}

func oidcConfigFromConfig(cfg *config.Config) (oidc.Config, error) {
	clientID, err := config.LoadString(cfg.OIDC.ClientID)
	if err != nil {
		return oidc.Config{}, fmt.Errorf("loading oidc client id: %w", err)
	}
	if clientID == "" {
		return oidc.Config{}, errors.New("oidc client id is required")
	}

	clientSecret, err := config.LoadString(cfg.OIDC.ClientSecret)
	if err != nil {
		return oidc.Config{}, fmt.Errorf("loading oidc client secret: %w", err)
	}

	return oidc.Config{
		IssuerURL:         cfg.OIDC.IssuerURL,
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		CallbackURL:       cfg.OIDC.CallbackURL,
		DiscoveryCacheTTL: cfg.OIDC.DiscoveryCacheTTL,
	}, nil
}

// serviceRealmClient returns an HTTP client authenticating towards the
// backend services with the client credentials grant.
func serviceRealmClient(ctx context.Context, cfg *config.Config) (*http.Client, error) {
	clientID, err := config.LoadString(cfg.ServiceRealm.ClientID)
	if err != nil {
		return nil, fmt.Errorf("loading service realm client id: %w", err)
	}

	clientSecret, err := config.LoadString(cfg.ServiceRealm.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("loading service realm client secret: %w", err)
	}

	if cfg.ServiceRealm.TokenURL == "" {
		slogctx.Warn(ctx, "Service realm token url is not configured; calling backend services unauthenticated")
		return &http.Client{Timeout: cfg.AccessGrant.Timeout}, nil
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     cfg.ServiceRealm.TokenURL,
		Scopes:       cfg.ServiceRealm.Scopes,
	}

	client := cc.Client(context.WithoutCancel(ctx))
	client.Timeout = cfg.AccessGrant.Timeout

	return client, nil
}
