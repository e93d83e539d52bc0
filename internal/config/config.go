/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the rproxy TOML configuration file.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/gravitational/trace"
)

// HostRoute is a single entry of the ordered host_to_upstream mapping.
type HostRoute struct {
	HostSubstring string
	Upstream      string
}

// Config is the fully parsed rproxy configuration.
type Config struct {
	Port     uint16 `toml:"port"`
	TLSPort  uint16 `toml:"tls_port"`
	TLSEnabled bool `toml:"tls_enabled"`

	ConsulURL             string `toml:"consul_url"`
	ConsulPoolSecs        uint64 `toml:"consul_pool_secs"`
	ConsulLeaderPoolSecs  uint64 `toml:"consul_leader_pool_secs"`
	StaticConsulAgentIPPort string `toml:"static_consul_agent_ip_port"`

	VaultAddress     string `toml:"vault_address"`
	RoleID           string `toml:"role_id"`
	SecretID         string `toml:"secret_id"`
	PathToCertSecret string `toml:"path_to_cert_secret"`

	TLSPrivateCert string `toml:"tls_private_cert"`
	TLSChainCert   string `toml:"tls_chain_cert"`

	AWSAccessKey string `toml:"aws_access_key"`
	AWSSecretKey string `toml:"aws_secret_key"`
	R53ZoneID    string `toml:"r53_zone_id"`
	FQDNs        []string `toml:"fqdns"`

	// HostToUpstream is decoded as a TOML table; Go's map iteration order is
	// randomized so Load() also fills HostRoutes, which preserves the file's
	// declaration order per R3's substring-resolution tie-break.
	HostToUpstream map[string]string `toml:"host_to_upstream"`
	HostRoutes     []HostRoute       `toml:"-"`

	HostsUnderSSO []string `toml:"hosts_under_sso"`
	JWTCert        string  `toml:"jwt_cert"`
	JWTPrivateCert string  `toml:"jwt_private_cert"`
	ClientID       string  `toml:"client_id"`
	ClientSecret   string  `toml:"client_secret"`
	AuthURL        string  `toml:"auth_url"`
	TokenURL       string  `toml:"token_url"`
	RedirectURL    string  `toml:"redirect_url"`
	Scopes         []string `toml:"scopes"`

	LogLevel  string   `toml:"log_level"`
	LogPath   string   `toml:"log_path"`
	LogGroups []string `toml:"log_groups"`

	// OwnIP is resolved at startup by the Self-Register lifecycle, never
	// decoded from the file.
	OwnIP string `toml:"-"`
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file %v", path)
	}

	var raw struct {
		Config
		HostToUpstream toml.Primitive `toml:"host_to_upstream"`
	}
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, trace.Wrap(err, "parsing config file %v", path)
	}

	cfg := raw.Config
	cfg.HostRoutes, err = decodeOrderedHostRoutes(md, raw.HostToUpstream)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.HostToUpstream = make(map[string]string, len(cfg.HostRoutes))
	for _, r := range cfg.HostRoutes {
		cfg.HostToUpstream[r.HostSubstring] = r.Upstream
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// decodeOrderedHostRoutes recovers the insertion order of host_to_upstream
// keys, which toml.Decode loses by decoding the table into a Go map.
// toml.MetaData.Keys() returns every key in file declaration order, so the
// host_to_upstream.* leaves it yields give us the tie-break order spec.md's
// R3/P3 requires without needing a second parse pass.
func decodeOrderedHostRoutes(md toml.MetaData, prim toml.Primitive) ([]HostRoute, error) {
	var table map[string]string
	if err := md.PrimitiveDecode(prim, &table); err != nil {
		return nil, trace.Wrap(err, "decoding host_to_upstream")
	}

	var routes []HostRoute
	seen := make(map[string]bool)
	for _, key := range md.Keys() {
		if len(key) != 2 || key[0] != "host_to_upstream" {
			continue
		}
		host := key[1]
		if seen[host] {
			continue
		}
		seen[host] = true
		routes = append(routes, HostRoute{HostSubstring: host, Upstream: table[host]})
	}
	return routes, nil
}

// CheckAndSetDefaults validates required keys and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Port == 0 {
		return trace.BadParameter("port is required")
	}
	if c.ConsulURL == "" {
		return trace.BadParameter("consul_url is required")
	}
	if c.ConsulPoolSecs == 0 {
		return trace.BadParameter("consul_pool_secs is required")
	}
	if c.ConsulLeaderPoolSecs == 0 {
		return trace.BadParameter("consul_leader_pool_secs is required")
	}
	if c.StaticConsulAgentIPPort == "" {
		return trace.BadParameter("static_consul_agent_ip_port is required")
	}
	if c.R53ZoneID == "" {
		return trace.BadParameter("r53_zone_id is required")
	}
	if len(c.FQDNs) == 0 {
		return trace.BadParameter("fqdns is required")
	}
	if c.TLSEnabled {
		if c.VaultAddress == "" || c.RoleID == "" || c.SecretID == "" || c.PathToCertSecret == "" {
			return trace.BadParameter("vault_address, role_id, secret_id and path_to_cert_secret are required when tls_enabled")
		}
		if c.TLSPrivateCert == "" || c.TLSChainCert == "" {
			return trace.BadParameter("tls_private_cert and tls_chain_cert are required when tls_enabled")
		}
		if c.TLSPort == 0 {
			return trace.BadParameter("tls_port is required when tls_enabled")
		}
	}
	if len(c.HostsUnderSSO) > 0 {
		if c.JWTCert == "" || c.JWTPrivateCert == "" {
			return trace.BadParameter("jwt_cert and jwt_private_cert are required when hosts_under_sso is non-empty")
		}
		if c.ClientID == "" || c.ClientSecret == "" || c.AuthURL == "" || c.TokenURL == "" || c.RedirectURL == "" {
			return trace.BadParameter("client_id, client_secret, auth_url, token_url and redirect_url are required when hosts_under_sso is non-empty")
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// ConfigPath resolves the config file path from -t/--rproxy-config or
// APP_CONFIG_PATH, defaulting to /opt/rproxy/config/rproxy.toml.
func ConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("APP_CONFIG_PATH"); env != "" {
		return env
	}
	return "/opt/rproxy/config/rproxy.toml"
}
