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

// Package secrets is the Secret Client (spec §4.3): AppRole login against
// Vault, reading the base64-encoded PEM bundle, and the certificate
// bootstrap loop that splits it into tls_private_cert/tls_chain_cert files
// before the TLS listener binds. Grounded on the real ecosystem client
// github.com/hashicorp/vault/api, and on the teacher's retried-bootstrap
// shape: a single fatal-on-exhaustion retry loop, the way lib/services/
// local/presence.go's AcquireSemaphore retries with jittered backoff.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"os"
	"time"

	vault "github.com/hashicorp/vault/api"
	vaultauth "github.com/hashicorp/vault/api/auth/approle"
	"github.com/gravitational/trace"

	"github.com/gravitational/rproxy/internal/retryutils"
)

// Client logs into Vault via AppRole and reads the KV v2 cert secret.
type Client struct {
	vc *vault.Client
}

// New builds a Client against the given Vault address.
func New(address string) (*Client, error) {
	vc, err := vault.NewClient(&vault.Config{Address: address})
	if err != nil {
		return nil, trace.Wrap(err, "building vault client")
	}
	return &Client{vc: vc}, nil
}

// Login authenticates via AppRole (spec §4.3).
func (c *Client) Login(ctx context.Context, roleID, secretID string) error {
	auth, err := vaultauth.NewAppRoleAuth(roleID, &vaultauth.SecretID{FromString: secretID})
	if err != nil {
		return trace.Wrap(err, "building approle auth method")
	}
	secret, err := c.vc.Auth().Login(ctx, auth)
	if err != nil {
		return trace.Wrap(err, "approle login")
	}
	if secret == nil || secret.Auth == nil {
		return trace.BadParameter("approle login returned no auth info")
	}
	return nil
}

// ReadCertSecret implements read_kv2(path) -> map, specialised to the one
// key this proxy cares about: "data", a base64-encoded concatenation of PEM
// blocks (spec §4.3). After decode, there must be >= 2 blocks: [0] is the
// private key, [1..] is the chain.
func (c *Client) ReadCertSecret(ctx context.Context, path string) (privateKeyPEM []byte, chainPEM []byte, err error) {
	secret, err := c.vc.KVv2("kv2").Get(ctx, path)
	if err != nil {
		return nil, nil, trace.Wrap(err, "reading kv2 secret %v", path)
	}
	raw, ok := secret.Data["data"].(string)
	if !ok {
		return nil, nil, trace.BadParameter("kv2 secret %v missing string field %q", path, "data")
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, nil, trace.Wrap(err, "base64-decoding cert bundle at %v", path)
	}

	var blocks []*pem.Block
	rest := decoded
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, block)
	}
	if len(blocks) < 2 {
		return nil, nil, trace.BadParameter("cert bundle at %v has %v PEM blocks, need >= 2", path, len(blocks))
	}

	privateKeyPEM = pem.EncodeToMemory(blocks[0])
	var chain []byte
	for _, b := range blocks[1:] {
		chain = append(chain, pem.EncodeToMemory(b)...)
	}
	return privateKeyPEM, chain, nil
}

// BootstrapConfig configures the certificate bootstrap loop.
type BootstrapConfig struct {
	VaultAddress     string
	RoleID           string
	SecretID         string
	PathToCertSecret string
	PrivateKeyPath   string
	ChainPath        string
}

// Bootstrap fetches the PEM bundle and writes tls_private_cert/
// tls_chain_cert to disk, retrying with exponential backoff starting at
// 10ms with jitter, at most 4 attempts (spec §4.3). Failure of all attempts
// is returned to the caller, who must treat it as fatal (process exit).
func Bootstrap(ctx context.Context, cfg BootstrapConfig) error {
	retryCfg := retryutils.Config{
		First:  10 * time.Millisecond,
		Max:    4,
		Jitter: retryutils.NewFullJitter(),
	}

	return retryutils.Do(ctx, retryCfg, func() error {
		c, err := New(cfg.VaultAddress)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := c.Login(ctx, cfg.RoleID, cfg.SecretID); err != nil {
			return trace.Wrap(err)
		}
		privKey, chain, err := c.ReadCertSecret(ctx, cfg.PathToCertSecret)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := os.WriteFile(cfg.PrivateKeyPath, privKey, 0o600); err != nil {
			return trace.Wrap(err, "writing private cert to %v", cfg.PrivateKeyPath)
		}
		if err := os.WriteFile(cfg.ChainPath, chain, 0o644); err != nil {
			return trace.Wrap(err, "writing chain cert to %v", cfg.ChainPath)
		}
		return nil
	})
}
