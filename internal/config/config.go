// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Database     Database     `yaml:"database"`
	ValKey       ValKey       `yaml:"valkey"`
	Session      Session      `yaml:"session"`
	OIDC         OIDC         `yaml:"oidc"`
	ServiceRealm ServiceRealm `yaml:"serviceRealm"`
	Provisioning Provisioning `yaml:"provisioning"`
	AccessGrant  AccessGrant  `yaml:"accessGrant"`
	Pod          Pod          `yaml:"pod"`
	Frontend     Frontend     `yaml:"frontend"`
	Housekeeper  Housekeeper  `yaml:"housekeeper"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
	// MaxBodySize limits the request bodies of the write endpoints.
	MaxBodySize int64 `yaml:"maxBodySize" default:"10485760"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix" default:"vault-gateway"`
	MTLS     *commoncfg.MTLS     `yaml:"mtls"`
}

type Session struct {
	Duration time.Duration `yaml:"duration" default:"12h"`
	// LockTTL bounds how long a request may hold the per-session lock.
	LockTTL time.Duration `yaml:"lockTTL" default:"30s"`
	// WorkaroundTimeout bounds how long a session may stay in a workaround state.
	WorkaroundTimeout time.Duration `yaml:"workaroundTimeout" default:"10m"`

	SessionCookieTemplate CookieTemplate      `yaml:"sessionCookieTemplate"`
	CSRFCookieTemplate    CookieTemplate      `yaml:"csrfCookieTemplate"`
	CSRFSecret            commoncfg.SourceRef `yaml:"csrfSecret"`
}

type OIDC struct {
	IssuerURL    string              `yaml:"issuerURL"`
	ClientID     commoncfg.SourceRef `yaml:"clientID"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	CallbackURL  string              `yaml:"callbackURL"`
	Scopes       []string            `yaml:"scopes"`
	// ProtocolKeyFormat is the key template of the OIDC protocol records.
	// It must contain the {sessionId} placeholder.
	ProtocolKeyFormat string        `yaml:"protocolKeyFormat" default:"oidc:{sessionId}"`
	ProtocolRecordTTL time.Duration `yaml:"protocolRecordTTL" default:"1h"`
	DiscoveryCacheTTL time.Duration `yaml:"discoveryCacheTTL" default:"1h"`
	Timeout           time.Duration `yaml:"timeout" default:"10s"`
}

// ServiceRealm holds the client credentials used towards the backend services.
type ServiceRealm struct {
	TokenURL     string              `yaml:"tokenURL"`
	ClientID     commoncfg.SourceRef `yaml:"clientID"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	Scopes       []string            `yaml:"scopes"`
}

type Provisioning struct {
	BaseURL string        `yaml:"baseURL"`
	Path    string        `yaml:"path" default:"/webids"`
	Timeout time.Duration `yaml:"timeout" default:"10s"`
}

type AccessGrant struct {
	BaseURL           string        `yaml:"baseURL"`
	AccessRequestPath string        `yaml:"accessRequestPath" default:"/access/requests"`
	GrantsPath        string        `yaml:"grantsPath" default:"/access/grants"`
	Timeout           time.Duration `yaml:"timeout" default:"10s"`
}

type Pod struct {
	GrantHeader     string        `yaml:"grantHeader" default:"X-Access-Grant"`
	Timeout         time.Duration `yaml:"timeout" default:"30s"`
	ProfileCacheTTL time.Duration `yaml:"profileCacheTTL" default:"5m"`
}

type Frontend struct {
	BaseURL                string   `yaml:"baseURL"`
	AllowedRedirectOrigins []string `yaml:"allowedRedirectOrigins"`
	Locales                []string `yaml:"locales"`
}

type Housekeeper struct {
	TriggerInterval  time.Duration `yaml:"triggerInterval" default:"1m"`
	ConcurrencyLimit int           `yaml:"concurrencyLimit" default:"10"`
}

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

type CookieTemplate struct {
	Name     string         `yaml:"name"`
	MaxAge   int            `yaml:"maxAge"`
	Path     string         `yaml:"path"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure"`
	SameSite CookieSameSite `yaml:"sameSite"`
	HTTPOnly bool           `yaml:"httpOnly"`
}
