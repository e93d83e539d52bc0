package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `
port = 8080
consul_url = "http://127.0.0.1:8500"
consul_pool_secs = 5
consul_leader_pool_secs = 10
static_consul_agent_ip_port = "127.0.0.1:8500"
r53_zone_id = "Z123"
fqdns = ["proxy.example.com"]

[host_to_upstream]
"api.internal" = "internal-upstream"
"api" = "api-upstream"
"" = "catch-all-upstream"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rproxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPreservesHostToUpstreamDeclarationOrder(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.HostRoutes, 3)
	require.Equal(t, "api.internal", cfg.HostRoutes[0].HostSubstring)
	require.Equal(t, "api", cfg.HostRoutes[1].HostSubstring)
	require.Equal(t, "", cfg.HostRoutes[2].HostSubstring)
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	path := writeConfig(t, `port = 8080`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRequiresVaultFieldsWhenTLSEnabled(t *testing.T) {
	path := writeConfig(t, "tls_enabled = true\ntls_port = 8443\n"+minimalConfig)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsCompleteTLSConfig(t *testing.T) {
	// Top-level keys go before minimalConfig's [host_to_upstream] table;
	// appended after it they would be read as entries of that table.
	contents := `
tls_enabled = true
tls_port = 8443
vault_address = "https://vault.example.com"
role_id = "role"
secret_id = "secret"
path_to_cert_secret = "secret/rproxy/cert"
tls_private_cert = "/etc/rproxy/tls.key"
tls_chain_cert = "/etc/rproxy/tls.chain"
` + minimalConfig
	path := writeConfig(t, contents)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.TLSEnabled)
}

func TestLoadDefaultsLogLevelToInfo(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestConfigPathPrecedence(t *testing.T) {
	require.Equal(t, "/flag/path.toml", ConfigPath("/flag/path.toml"))

	t.Setenv("APP_CONFIG_PATH", "/env/path.toml")
	require.Equal(t, "/env/path.toml", ConfigPath(""))

	t.Setenv("APP_CONFIG_PATH", "")
	require.Equal(t, "/opt/rproxy/config/rproxy.toml", ConfigPath(""))
}
