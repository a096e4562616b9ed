package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN)
	DatabaseURL string

	// Server bind address (host:port)
	ServerAddr string

	// Public base URL used when building links and redirects
	ServerURL string

	// Maximum database connection pool size
	MaxDBConnections int

	// Enable debug logging
	Debug bool

	// Salt appended to every secret before hashing. Changing it invalidates
	// all stored tokens, codes and client secrets.
	TokenSalt string

	// Realm advertised in Basic and Bearer challenges
	AuthRealm string

	// Kerberos realm appended to principal names that carry none
	DefaultRealm string

	// Optional Redis URL for the API definition cache
	RedisURL string

	// How often the scope catalog is reloaded from the database
	CatalogRefreshInterval time.Duration

	// Token endpoint rate limit (requests/second per client address) and burst
	TokenRateLimit float64
	TokenRateBurst int

	// Addresses or CIDR ranges of front ends whose X-Forwarded-For,
	// X-Real-IP and True-Client-IP headers are believed. Empty trusts none.
	TrustedProxies []string

	Kerberos   KerberosConfig
	LDAP       LDAPConfig
	Membership MembershipConfig
	Proxy      ProxyConfig
	RemoteUser RemoteUserConfig
	Sentry     SentryConfig

	Observability ObservabilityConfig
}

// KerberosConfig configures the Negotiate scheme. Negotiate is disabled when
// no keytab is set.
type KerberosConfig struct {
	Keytab           string
	ServicePrincipal string
}

// LDAPConfig configures the directory used to resolve principal names to people.
type LDAPConfig struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string
	// Bounds dialing and each directory request
	Timeout time.Duration
}

// MembershipConfig points at the group membership service.
type MembershipConfig struct {
	URL     string
	Timeout time.Duration
}

// ProxyConfig bounds upstream exchanges made by the reverse proxy.
type ProxyConfig struct {
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// RemoteUserConfig enables trusting a front end's X-Remote-User header.
type RemoteUserConfig struct {
	Enabled bool
}

// SentryConfig configures error reporting. Empty DSN disables it.
type SentryConfig struct {
	DSN         string
	Environment string
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	ServiceName    string
	OTLPEndpoint   string
	OTLPInsecure   bool
	MetricsEnabled bool
}

// Load reads configuration from viper (config file, APIOX_ environment
// variables and bound flags) with fallback defaults.
func Load() (*Config, error) {
	v := viper.GetViper()
	setDefaults(v)

	v.SetEnvPrefix("APIOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		DatabaseURL:            v.GetString("database_url"),
		ServerAddr:             v.GetString("server_addr"),
		ServerURL:              strings.TrimSuffix(v.GetString("server_url"), "/"),
		MaxDBConnections:       v.GetInt("max_db_connections"),
		Debug:                  v.GetBool("debug"),
		TokenSalt:              v.GetString("token_salt"),
		AuthRealm:              v.GetString("auth_realm"),
		DefaultRealm:           v.GetString("default_realm"),
		RedisURL:               v.GetString("redis_url"),
		CatalogRefreshInterval: v.GetDuration("catalog_refresh_interval"),
		TokenRateLimit:         v.GetFloat64("token_rate_limit"),
		TokenRateBurst:         v.GetInt("token_rate_burst"),
		TrustedProxies:         v.GetStringSlice("trusted_proxies"),
		Kerberos: KerberosConfig{
			Keytab:           v.GetString("kerberos.keytab"),
			ServicePrincipal: v.GetString("kerberos.service_principal"),
		},
		LDAP: LDAPConfig{
			URL:          v.GetString("ldap.url"),
			BindDN:       v.GetString("ldap.bind_dn"),
			BindPassword: v.GetString("ldap.bind_password"),
			BaseDN:       v.GetString("ldap.base_dn"),
			Timeout:      v.GetDuration("ldap.timeout"),
		},
		Membership: MembershipConfig{
			URL:     v.GetString("membership.url"),
			Timeout: v.GetDuration("membership.timeout"),
		},
		Proxy: ProxyConfig{
			ConnectTimeout: v.GetDuration("proxy.connect_timeout"),
			Timeout:        v.GetDuration("proxy.timeout"),
		},
		RemoteUser: RemoteUserConfig{
			Enabled: v.GetBool("remote_user.enabled"),
		},
		Sentry: SentryConfig{
			DSN:         v.GetString("sentry.dsn"),
			Environment: v.GetString("sentry.environment"),
		},
		Observability: ObservabilityConfig{
			ServiceName:    v.GetString("observability.service_name"),
			OTLPEndpoint:   v.GetString("observability.otlp_endpoint"),
			OTLPInsecure:   v.GetBool("observability.otlp_insecure"),
			MetricsEnabled: v.GetBool("observability.metrics_enabled"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("APIOX_DATABASE_URL is required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("APIOX_SERVER_URL is required")
	}
	if c.TokenSalt == "" && !c.Debug {
		return fmt.Errorf("APIOX_TOKEN_SALT is required outside debug mode")
	}
	if c.MaxDBConnections < 1 {
		return fmt.Errorf("max_db_connections must be positive, got %d", c.MaxDBConnections)
	}
	if c.Kerberos.Keytab != "" && c.Kerberos.ServicePrincipal == "" {
		return fmt.Errorf("APIOX_KERBEROS_SERVICE_PRINCIPAL is required when a keytab is configured")
	}
	if c.Proxy.Timeout <= 0 || c.Proxy.ConnectTimeout <= 0 {
		return fmt.Errorf("proxy timeouts must be positive")
	}
	if c.LDAP.URL != "" && c.LDAP.Timeout <= 0 {
		return fmt.Errorf("ldap.timeout must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become
// single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		for _, item := range strings.Split(entry, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if strings.Contains(item, "/") {
				prefix, err := netip.ParsePrefix(item)
				if err != nil {
					return nil, fmt.Errorf("trusted_proxies: %w", err)
				}
				prefixes = append(prefixes, prefix.Masked())
				continue
			}
			addr, err := netip.ParseAddr(item)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return prefixes, nil
}

// NegotiateEnabled reports whether Kerberos authentication is configured.
func (c *Config) NegotiateEnabled() bool {
	return c.Kerberos.Keytab != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "file:apiox.db?cache=shared")
	v.SetDefault("server_addr", "localhost:8000")
	v.SetDefault("server_url", "http://localhost:8000")
	v.SetDefault("max_db_connections", 25)
	v.SetDefault("debug", false)
	v.SetDefault("token_salt", "")
	v.SetDefault("auth_realm", "API")
	v.SetDefault("default_realm", "OX.AC.UK")
	v.SetDefault("redis_url", "")
	v.SetDefault("catalog_refresh_interval", 5*time.Minute)
	v.SetDefault("token_rate_limit", 20.0)
	v.SetDefault("token_rate_burst", 40)
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("kerberos.keytab", "")
	v.SetDefault("kerberos.service_principal", "")
	v.SetDefault("ldap.url", "")
	v.SetDefault("ldap.bind_dn", "")
	v.SetDefault("ldap.bind_password", "")
	v.SetDefault("ldap.base_dn", "ou=people,dc=oak,dc=ox,dc=ac,dc=uk")
	v.SetDefault("ldap.timeout", 5*time.Second)
	v.SetDefault("membership.url", "")
	v.SetDefault("membership.timeout", 5*time.Second)
	v.SetDefault("proxy.connect_timeout", 5*time.Second)
	v.SetDefault("proxy.timeout", 60*time.Second)
	v.SetDefault("remote_user.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("observability.service_name", "apiox")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_insecure", false)
	v.SetDefault("observability.metrics_enabled", true)
}
