// Package config manages govpnc daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete govpnc configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	SecMod  SecModConfig  `koanf:"secmod"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Tun     TunConfig     `koanf:"tun"`
	Network NetworkConfig `koanf:"network"`
	Auth    AuthConfig    `koanf:"auth"`
	Ban     BanConfig     `koanf:"ban"`
	GeoIP   GeoIPConfig   `koanf:"geoip"`
	VHosts  []VHostConfig `koanf:"vhosts"`
}

// ListenConfig holds the client-facing listener addresses.
type ListenConfig struct {
	// TCPAddr is the TLS listener address (e.g., ":443").
	TCPAddr string `koanf:"tcp_addr"`
	// UDPAddr is the DTLS listener address; empty disables UDP.
	UDPAddr string `koanf:"udp_addr"`
}

// SecModConfig holds the security module transport settings.
type SecModConfig struct {
	// Socket is the Unix socket path used when the module runs detached.
	Socket string `koanf:"socket"`
	// Timeout bounds every supervisor <-> security module round-trip.
	Timeout time.Duration `koanf:"timeout"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// TunConfig holds the tunnel device provisioning knobs.
type TunConfig struct {
	// NamePrefix is the device name template prefix (e.g., "vpns").
	NamePrefix string `koanf:"name_prefix"`
	// UID and GID restrict the device node; -1 keeps the kernel default.
	UID int `koanf:"uid"`
	GID int `koanf:"gid"`
	// MTU is the link MTU advertised to clients.
	MTU int `koanf:"mtu"`
}

// NetworkConfig holds the address pools leased to clients.
type NetworkConfig struct {
	// IPv4Network is the IPv4 pool in CIDR form; empty disables IPv4.
	IPv4Network string `koanf:"ipv4_network"`
	// IPv6Network is the IPv6 pool in CIDR form; empty disables IPv6.
	IPv6Network string `koanf:"ipv6_network"`
	// IPv6SubnetPrefix is the prefix length advertised with IPv6 leases.
	IPv6SubnetPrefix int `koanf:"ipv6_subnet_prefix"`
	// DNS lists resolver addresses pushed to clients and excluded from
	// the pools.
	DNS []string `koanf:"dns"`
}

// AuthConfig holds the session/cookie lifetime knobs.
type AuthConfig struct {
	// CookieTimeout is how long a dormant session stays resumable.
	CookieTimeout time.Duration `koanf:"cookie_timeout"`
	// Slack is the short grace applied around disconnects.
	Slack time.Duration `koanf:"slack"`
	// PersistentCookies keeps sessions resumable across server-initiated
	// disconnects.
	PersistentCookies bool `koanf:"persistent_cookies"`
	// MaxAttempts bounds password retries per exchange.
	MaxAttempts int `koanf:"max_attempts"`
	// Plain maps usernames to passwords for the built-in backend.
	Plain map[string]string `koanf:"plain"`
}

// BanConfig holds the admission throttle scoring knobs.
type BanConfig struct {
	// MaxScore is the ban threshold; zero disables the engine.
	MaxScore uint32 `koanf:"max_score"`
	// ResetTime is the sliding scoring window.
	ResetTime time.Duration `koanf:"reset_time"`
	// MinReauthTime is the ban duration once imposed.
	MinReauthTime time.Duration `koanf:"min_reauth_time"`
	// PointsConnect is added per connection attempt.
	PointsConnect uint32 `koanf:"points_connect"`
	// PointsWrongPassword is added per failed password.
	PointsWrongPassword uint32 `koanf:"points_wrong_password"`
	// PointsKKDCP is added per KKDCP protocol error.
	PointsKKDCP uint32 `koanf:"points_kkdcp"`
}

// GeoIPConfig points at an optional GeoLite2 country database.
type GeoIPConfig struct {
	// DB is the mmdb path; empty disables lookups.
	DB string `koanf:"db"`
}

// VHostConfig describes one virtual host profile.
type VHostConfig struct {
	// Name identifies the profile; clients select it via SNI.
	Name string `koanf:"name"`
	// MOTD is an optional message handed to this profile's clients.
	MOTD string `koanf:"motd"`
	// TunPrefix overrides the global device prefix for this profile.
	TunPrefix string `koanf:"tun_prefix"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The cookie timeout and slack defaults match the classic concentrator
// behavior: dormant sessions survive six minutes plus a short grace, so a
// roaming client can resume without a fresh authentication.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			TCPAddr: ":443",
		},
		SecMod: SecModConfig{
			Socket:  "/var/run/govpnc-secmod.sock",
			Timeout: 120 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tun: TunConfig{
			NamePrefix: "vpns",
			UID:        -1,
			GID:        -1,
			MTU:        1400,
		},
		Auth: AuthConfig{
			CookieTimeout: 360 * time.Second,
			Slack:         10 * time.Second,
			MaxAttempts:   3,
		},
		Ban: BanConfig{
			MaxScore:            80,
			ResetTime:           1200 * time.Second,
			MinReauthTime:       300 * time.Second,
			PointsConnect:       1,
			PointsWrongPassword: 10,
			PointsKKDCP:         1,
		},
		VHosts: []VHostConfig{
			{Name: "default"},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for govpnc configuration.
// Variables are named GOVPNC_<section>_<key>, e.g., GOVPNC_METRICS_ADDR.
// Every underscore after the prefix becomes a key separator, so keys that
// themselves contain an underscore (listen.tcp_addr) cannot be set this way.
const envPrefix = "GOVPNC_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOVPNC_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults; an empty path loads
// defaults plus environment only.
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// GOVPNC_METRICS_ADDR -> metrics.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.VHosts) == 0 {
		cfg.VHosts = defaults.VHosts
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOVPNC_METRICS_ADDR -> metrics.addr.
// Strips the GOVPNC_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.tcp_addr":           defaults.Listen.TCPAddr,
		"listen.udp_addr":           defaults.Listen.UDPAddr,
		"secmod.socket":             defaults.SecMod.Socket,
		"secmod.timeout":            defaults.SecMod.Timeout.String(),
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
		"tun.name_prefix":           defaults.Tun.NamePrefix,
		"tun.uid":                   defaults.Tun.UID,
		"tun.gid":                   defaults.Tun.GID,
		"tun.mtu":                   defaults.Tun.MTU,
		"auth.cookie_timeout":       defaults.Auth.CookieTimeout.String(),
		"auth.slack":                defaults.Auth.Slack.String(),
		"auth.persistent_cookies":   defaults.Auth.PersistentCookies,
		"auth.max_attempts":         defaults.Auth.MaxAttempts,
		"ban.max_score":             defaults.Ban.MaxScore,
		"ban.reset_time":            defaults.Ban.ResetTime.String(),
		"ban.min_reauth_time":       defaults.Ban.MinReauthTime.String(),
		"ban.points_connect":        defaults.Ban.PointsConnect,
		"ban.points_wrong_password": defaults.Ban.PointsWrongPassword,
		"ban.points_kkdcp":          defaults.Ban.PointsKKDCP,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyListenAddr indicates the TCP listener address is empty.
	ErrEmptyListenAddr = errors.New("listen.tcp_addr must not be empty")

	// ErrEmptyTunPrefix indicates the tun device prefix is empty.
	ErrEmptyTunPrefix = errors.New("tun.name_prefix must not be empty")

	// ErrInvalidCookieTimeout indicates a non-positive cookie timeout.
	ErrInvalidCookieTimeout = errors.New("auth.cookie_timeout must be > 0")

	// ErrInvalidSlack indicates a non-positive auth slack.
	ErrInvalidSlack = errors.New("auth.slack must be > 0")

	// ErrNoAddressPool indicates neither address family has a pool.
	ErrNoAddressPool = errors.New("network needs at least one of ipv4_network, ipv6_network")

	// ErrInvalidNetwork indicates a pool that does not parse as CIDR.
	ErrInvalidNetwork = errors.New("network pool is not valid CIDR")

	// ErrInvalidDNS indicates an unparsable DNS server address.
	ErrInvalidDNS = errors.New("dns server address is invalid")

	// ErrNoVHosts indicates an empty virtual host list.
	ErrNoVHosts = errors.New("at least one vhost must be configured")

	// ErrDuplicateVHost indicates two vhosts sharing a name.
	ErrDuplicateVHost = errors.New("duplicate vhost name")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.TCPAddr == "" {
		return ErrEmptyListenAddr
	}
	if cfg.Tun.NamePrefix == "" {
		return ErrEmptyTunPrefix
	}
	if cfg.Auth.CookieTimeout <= 0 {
		return ErrInvalidCookieTimeout
	}
	if cfg.Auth.Slack <= 0 {
		return ErrInvalidSlack
	}

	if cfg.Network.IPv4Network == "" && cfg.Network.IPv6Network == "" {
		return ErrNoAddressPool
	}
	if _, err := cfg.Network.IPv4Pool(); err != nil {
		return err
	}
	if _, err := cfg.Network.IPv6Pool(); err != nil {
		return err
	}
	if _, err := cfg.Network.DNSAddrs(); err != nil {
		return err
	}

	if len(cfg.VHosts) == 0 {
		return ErrNoVHosts
	}
	seen := make(map[string]struct{}, len(cfg.VHosts))
	for i, vh := range cfg.VHosts {
		if _, dup := seen[vh.Name]; dup {
			return fmt.Errorf("vhosts[%d] %q: %w", i, vh.Name, ErrDuplicateVHost)
		}
		seen[vh.Name] = struct{}{}
	}

	return nil
}

// IPv4Pool parses the IPv4 network; an empty setting yields the zero
// prefix.
func (n NetworkConfig) IPv4Pool() (netip.Prefix, error) {
	if n.IPv4Network == "" {
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(n.IPv4Network)
	if err != nil || !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("ipv4_network %q: %w", n.IPv4Network, ErrInvalidNetwork)
	}
	return p, nil
}

// IPv6Pool parses the IPv6 network; an empty setting yields the zero
// prefix.
func (n NetworkConfig) IPv6Pool() (netip.Prefix, error) {
	if n.IPv6Network == "" {
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(n.IPv6Network)
	if err != nil || !p.Addr().Is6() || p.Addr().Is4In6() {
		return netip.Prefix{}, fmt.Errorf("ipv6_network %q: %w", n.IPv6Network, ErrInvalidNetwork)
	}
	return p, nil
}

// DNSAddrs parses the configured resolver addresses.
func (n NetworkConfig) DNSAddrs() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(n.DNS))
	for _, s := range n.DNS {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("dns %q: %w", s, ErrInvalidDNS)
		}
		out = append(out, a)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Logging helpers
// -------------------------------------------------------------------------

// ParseLogLevel maps a config string to a slog level; unknown strings
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
