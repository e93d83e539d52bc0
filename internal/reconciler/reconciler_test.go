package reconciler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/rproxy/internal/catalog"
	"github.com/gravitational/rproxy/internal/dnsclient"
)

type fakeCatalog struct {
	nodes []catalog.Node
	err   error
}

func (f *fakeCatalog) GetServiceNodes(context.Context, string) ([]catalog.Node, error) {
	return f.nodes, f.err
}

type fakeDNS struct {
	sets    map[string][]dnsclient.RecordSet
	upserts map[string][]string
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{sets: map[string][]dnsclient.RecordSet{}, upserts: map[string][]string{}}
}

func (f *fakeDNS) ListRecords(_ context.Context, _ string, startName string) ([]dnsclient.RecordSet, error) {
	return f.sets[startName], nil
}

func (f *fakeDNS) UpsertARecord(_ context.Context, _, fqdn string, values []string) error {
	f.upserts[fqdn] = values
	return nil
}

func TestReconcileOnceUpsertsOnMismatch(t *testing.T) {
	cat := &fakeCatalog{nodes: []catalog.Node{
		{Address: "10.0.0.2", ServicePort: 80},
		{Address: "10.0.0.1", ServicePort: 80},
	}}
	dns := newFakeDNS()
	dns.sets["proxy.example.com"] = []dnsclient.RecordSet{{Name: "proxy.example.com.", Values: []string{"10.0.0.9"}}}

	r := New(Config{Catalog: cat, DNS: dns, ZoneID: "zone1", ProductName: "rproxy", FQDNs: []string{"proxy.example.com"}})
	r.ReconcileOnce(context.Background())

	// The comparison is sorted, but the upsert carries the catalog's order.
	require.Equal(t, []string{"10.0.0.2", "10.0.0.1"}, dns.upserts["proxy.example.com"])
}

func TestReconcileOnceSkipsWhenAlreadyCorrect(t *testing.T) {
	cat := &fakeCatalog{nodes: []catalog.Node{{Address: "10.0.0.1", ServicePort: 80}}}
	dns := newFakeDNS()
	dns.sets["proxy.example.com"] = []dnsclient.RecordSet{{Name: "proxy.example.com.", Values: []string{"10.0.0.1"}}}

	r := New(Config{Catalog: cat, DNS: dns, ZoneID: "zone1", ProductName: "rproxy", FQDNs: []string{"proxy.example.com"}})
	r.ReconcileOnce(context.Background())

	require.Empty(t, dns.upserts)
}

func TestReconcileOnceTreatsNameMismatchAsAbsent(t *testing.T) {
	cat := &fakeCatalog{nodes: []catalog.Node{{Address: "10.0.0.1", ServicePort: 80}}}
	dns := newFakeDNS()
	// ListRecords returns the lexicographically-next name, which isn't this FQDN.
	dns.sets["proxy.example.com"] = []dnsclient.RecordSet{{Name: "zzz.example.com.", Values: []string{"10.0.0.1"}}}

	r := New(Config{Catalog: cat, DNS: dns, ZoneID: "zone1", ProductName: "rproxy", FQDNs: []string{"proxy.example.com"}})
	r.ReconcileOnce(context.Background())

	require.Equal(t, []string{"10.0.0.1"}, dns.upserts["proxy.example.com"])
}

func TestReconcileOnceSkipsAllFQDNsOnCatalogFailure(t *testing.T) {
	cat := &fakeCatalog{err: errFetch}
	dns := newFakeDNS()

	r := New(Config{Catalog: cat, DNS: dns, ZoneID: "zone1", ProductName: "rproxy", FQDNs: []string{"proxy.example.com"}})
	r.ReconcileOnce(context.Background())

	require.Empty(t, dns.upserts)
}

func TestReconcileOnceProcessesEachFQDNIndependently(t *testing.T) {
	cat := &fakeCatalog{nodes: []catalog.Node{{Address: "10.0.0.1", ServicePort: 80}}}
	dns := newFakeDNS()
	dns.sets["a.example.com"] = []dnsclient.RecordSet{{Name: "a.example.com.", Values: []string{"10.0.0.9"}}}
	// b.example.com has no existing record set at all.

	r := New(Config{Catalog: cat, DNS: dns, ZoneID: "zone1", ProductName: "rproxy", FQDNs: []string{"a.example.com", "b.example.com"}})
	r.ReconcileOnce(context.Background())

	require.Equal(t, []string{"10.0.0.1"}, dns.upserts["a.example.com"])
	require.Equal(t, []string{"10.0.0.1"}, dns.upserts["b.example.com"])
}

var errFetch = fetchErr("catalog fetch failed")

type fetchErr string

func (e fetchErr) Error() string { return string(e) }
