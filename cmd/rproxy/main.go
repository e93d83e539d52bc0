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

// Command rproxy runs the clustered HTTP/HTTPS reverse proxy control plane:
// it bootstraps TLS material from Vault if configured, joins Consul-backed
// service discovery, contends for the DNS-reconciliation leader lock, self-
// registers its own IP against the configured FQDNs, and serves traffic
// through the Auth Gate and Routing Table until a signal requests shutdown.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/rproxy/internal/authgate"
	"github.com/gravitational/rproxy/internal/catalog"
	"github.com/gravitational/rproxy/internal/config"
	"github.com/gravitational/rproxy/internal/dataplane"
	"github.com/gravitational/rproxy/internal/discovery"
	"github.com/gravitational/rproxy/internal/dnsclient"
	"github.com/gravitational/rproxy/internal/leader"
	"github.com/gravitational/rproxy/internal/logging"
	"github.com/gravitational/rproxy/internal/reconciler"
	"github.com/gravitational/rproxy/internal/routing"
	"github.com/gravitational/rproxy/internal/secrets"
	"github.com/gravitational/rproxy/internal/selfregister"
	"github.com/gravitational/rproxy/internal/supervisor"
)

// productName namespaces the Consul session name and leader lock key (spec
// §4.1, §4.6); this proxy is the only product instance the lock key names.
const productName = "rproxy"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "rproxy:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("rproxy", "Clustered HTTP/HTTPS reverse proxy control plane.")
	configFlag := app.Flag("rproxy-config", "Path to the TOML configuration file. Can also be set via APP_CONFIG_PATH.").
		Short('t').
		String()

	if _, err := app.Parse(args); err != nil {
		return trace.Wrap(err, "parsing command line")
	}

	cfg, err := config.Load(config.ConfigPath(*configFlag))
	if err != nil {
		return trace.Wrap(err, "loading configuration")
	}

	log, err := logging.Init(cfg.LogLevel, cfg.LogPath, cfg.LogGroups)
	if err != nil {
		return trace.Wrap(err, "initialising logger")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return runWithLogger(ctx, cfg, log)
}

func runWithLogger(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	ownIP, err := selfregister.ResolveOwnIP(ctx)
	if err != nil {
		return trace.Wrap(err, "resolving own IP")
	}
	cfg.OwnIP = ownIP
	log.WithField("own_ip", ownIP).Info("rproxy: resolved own IP")

	if cfg.TLSEnabled {
		if err := secrets.Bootstrap(ctx, secrets.BootstrapConfig{
			VaultAddress:     cfg.VaultAddress,
			RoleID:           cfg.RoleID,
			SecretID:         cfg.SecretID,
			PathToCertSecret: cfg.PathToCertSecret,
			PrivateKeyPath:   cfg.TLSPrivateCert,
			ChainPath:        cfg.TLSChainCert,
		}); err != nil {
			return trace.Wrap(err, "bootstrapping TLS certificate from vault")
		}
		log.Info("rproxy: bootstrapped TLS certificate from vault")
	}

	catalogClient, err := catalog.New(cfg.ConsulURL)
	if err != nil {
		return trace.Wrap(err, "building catalog client")
	}

	dnsClient, err := dnsclient.New(ctx, cfg.AWSAccessKey, cfg.AWSSecretKey)
	if err != nil {
		return trace.Wrap(err, "building dns client")
	}

	hostRoutes := make([]routing.HostRoute, len(cfg.HostRoutes))
	for i, r := range cfg.HostRoutes {
		hostRoutes[i] = routing.HostRoute{HostSubstring: r.HostSubstring, Upstream: r.Upstream}
	}
	table, err := routing.NewTable(hostRoutes, cfg.StaticConsulAgentIPPort)
	if err != nil {
		return trace.Wrap(err, "building routing table")
	}

	var gate *authgate.Gate
	if len(cfg.HostsUnderSSO) > 0 {
		gate, err = buildAuthGate(cfg)
		if err != nil {
			return trace.Wrap(err, "building auth gate")
		}
	}

	handler, err := dataplane.NewHandler(table, gate, logging.ForComponent(log, "dataplane"))
	if err != nil {
		return trace.Wrap(err, "building data plane handler")
	}

	sup := supervisor.New(logging.ForComponent(log, "supervisor"))

	if err := wireDiscovery(sup, cfg, catalogClient, table, log); err != nil {
		return trace.Wrap(err)
	}
	if err := wireLeader(sup, cfg, catalogClient, dnsClient, log); err != nil {
		return trace.Wrap(err)
	}
	if err := wireListeners(sup, cfg, handler, table); err != nil {
		return trace.Wrap(err)
	}

	selfreg := selfregister.New(dnsClient, cfg.R53ZoneID, cfg.FQDNs, cfg.OwnIP)
	if err := selfreg.Register(ctx); err != nil {
		return trace.Wrap(err, "self-registering own IP")
	}
	sup.OnShutdown(selfreg.Deregister)

	log.Info("rproxy: starting")
	return sup.Run(ctx)
}

// wireDiscovery registers the Discovery Watcher loop and the routing-table
// mutation consumer, connected by the bounded capacity-1 channel spec §5
// names.
func wireDiscovery(sup *supervisor.Supervisor, cfg *config.Config, catalogClient *catalog.Client, table *routing.Table, log *logrus.Logger) error {
	upstreams := distinctUpstreams(cfg.HostRoutes)
	changes := make(chan discovery.Change, 1)

	watcher, err := discovery.New(discovery.Config{
		Fetcher:   catalogClient,
		Upstreams: upstreams,
		Interval:  secondsDuration(cfg.ConsulPoolSecs),
		Log:       logging.ForComponent(log, "discovery"),
		Changes:   changes,
	})
	if err != nil {
		return trace.Wrap(err, "building discovery watcher")
	}

	sup.RegisterFunc(watcher.Run)
	sup.RegisterFunc(func(ctx context.Context) error {
		table.ConsumeChanges(ctx, changes)
		return nil
	})
	return nil
}

// wireLeader registers the Leader Coordinator loop, which drives the DNS
// Reconciler inline on every tick it holds the lock (spec §4.6).
func wireLeader(sup *supervisor.Supervisor, cfg *config.Config, catalogClient *catalog.Client, dnsClient *dnsclient.Client, log *logrus.Logger) error {
	rec := reconciler.New(reconciler.Config{
		Catalog:     catalogClient,
		DNS:         dnsClient,
		ZoneID:      cfg.R53ZoneID,
		ProductName: productName,
		FQDNs:       cfg.FQDNs,
		Log:         logging.ForComponent(log, "reconciler"),
	})

	coord, err := leader.New(leader.Config{
		Consul:     catalogClient,
		Reconciler: rec,
		Product:    productName,
		OwnIP:      cfg.OwnIP,
		Interval:   secondsDuration(cfg.ConsulLeaderPoolSecs),
		Log:        logging.ForComponent(log, "leader"),
	})
	if err != nil {
		return trace.Wrap(err, "building leader coordinator")
	}

	sup.RegisterFunc(coord.Run)
	return nil
}

// wireListeners binds the plain-HTTP listener (always), the TLS listener
// (when tls_enabled) and the stats endpoint (spec §5 items 4-5), on its own
// address per spec.md §9 Open Question #5.
func wireListeners(sup *supervisor.Supervisor, cfg *config.Config, handler http.Handler, table *routing.Table) error {
	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err, "binding plain-HTTP listener on %v", addr)
	}
	sup.RegisterServer("http", &http.Server{Handler: handler}, ln)

	if cfg.TLSEnabled {
		tlsAddr := fmt.Sprintf(":%d", cfg.TLSPort)
		cert, err := loadKeyPair(cfg.TLSPrivateCert, cfg.TLSChainCert)
		if err != nil {
			return trace.Wrap(err, "loading TLS key pair")
		}
		tlsLn, err := tls.Listen("tcp", tlsAddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return trace.Wrap(err, "binding TLS listener on %v", tlsAddr)
		}
		sup.RegisterServer("https", &http.Server{Handler: handler}, tlsLn)
	}

	statsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port+1))
	if err != nil {
		return trace.Wrap(err, "binding stats listener")
	}
	statsRouter := mux.NewRouter()
	statsRouter.HandleFunc("/stats", dataplane.StatsHandler(table)).Methods(http.MethodGet)
	statsRouter.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	sup.RegisterServer("stats", &http.Server{Handler: statsRouter}, statsLn)

	return nil
}

// healthzHandler reports process liveness on the stats listener, separate
// from /stats so a load balancer health check never depends on the Routing
// Table having any upstreams populated yet.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// loadKeyPair reads the bootstrapped tls_private_cert/tls_chain_cert pair
// from disk (spec §4.3: the TLS listener only observes them after the
// bootstrap task returns).
func loadKeyPair(privateKeyPath, chainPath string) (tls.Certificate, error) {
	chain, err := os.ReadFile(chainPath)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err, "reading tls_chain_cert")
	}
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err, "reading tls_private_cert")
	}
	cert, err := tls.X509KeyPair(chain, key)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err, "parsing tls key pair")
	}
	return cert, nil
}

func buildAuthGate(cfg *config.Config) (*authgate.Gate, error) {
	jwtCert, err := os.ReadFile(cfg.JWTCert)
	if err != nil {
		return nil, trace.Wrap(err, "reading jwt_cert")
	}
	jwtPrivateCert, err := os.ReadFile(cfg.JWTPrivateCert)
	if err != nil {
		return nil, trace.Wrap(err, "reading jwt_private_cert")
	}

	verifier, err := authgate.NewVerifier(jwtCert, jwtPrivateCert, nil)
	if err != nil {
		return nil, trace.Wrap(err, "building jwt verifier")
	}

	return authgate.New(cfg.HostsUnderSSO, verifier, authgate.OAuth2Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	})
}

func distinctUpstreams(routes []config.HostRoute) []string {
	seen := make(map[string]bool, len(routes))
	var out []string
	for _, r := range routes {
		if seen[r.Upstream] {
			continue
		}
		seen[r.Upstream] = true
		out = append(out, r.Upstream)
	}
	return out
}

func secondsDuration(secs uint64) time.Duration {
	return time.Duration(secs) * time.Second
}
