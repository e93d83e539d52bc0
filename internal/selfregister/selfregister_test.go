package selfregister

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/rproxy/internal/dnsclient"
)

type fakeDNS struct {
	sets    map[string][]dnsclient.RecordSet
	upserts map[string][]string
}

func newFakeDNS(existing map[string][]string) *fakeDNS {
	sets := make(map[string][]dnsclient.RecordSet, len(existing))
	for fqdn, values := range existing {
		sets[fqdn] = []dnsclient.RecordSet{{Name: fqdn, Values: values}}
	}
	return &fakeDNS{sets: sets, upserts: map[string][]string{}}
}

func (f *fakeDNS) ListRecords(_ context.Context, _ string, startName string) ([]dnsclient.RecordSet, error) {
	return f.sets[startName], nil
}

func (f *fakeDNS) UpsertARecord(_ context.Context, _, fqdn string, values []string) error {
	f.upserts[fqdn] = values
	return nil
}

func TestRegisterAddsOwnIPWithoutDuplicating(t *testing.T) {
	dns := newFakeDNS(map[string][]string{"a.example.com": {"10.0.0.5"}})
	life := New(dns, "zone1", []string{"a.example.com"}, "10.0.0.9")

	require.NoError(t, life.Register(context.Background()))
	require.ElementsMatch(t, []string{"10.0.0.5", "10.0.0.9"}, dns.upserts["a.example.com"])

	// Registering again must not add a second copy.
	dns.sets["a.example.com"] = []dnsclient.RecordSet{{Name: "a.example.com", Values: dns.upserts["a.example.com"]}}
	require.NoError(t, life.Register(context.Background()))
	require.ElementsMatch(t, []string{"10.0.0.5", "10.0.0.9"}, dns.upserts["a.example.com"])
}

func TestDeregisterRemovesOwnIP(t *testing.T) {
	dns := newFakeDNS(map[string][]string{"a.example.com": {"10.0.0.5", "10.0.0.9"}})
	life := New(dns, "zone1", []string{"a.example.com"}, "10.0.0.9")

	require.NoError(t, life.Deregister(context.Background()))
	require.Equal(t, []string{"10.0.0.5"}, dns.upserts["a.example.com"])
}

func TestMutateProcessesEveryFQDN(t *testing.T) {
	dns := newFakeDNS(map[string][]string{
		"a.example.com": {},
		"b.example.com": {},
		"c.example.com": {},
	})
	life := New(dns, "zone1", []string{"a.example.com", "b.example.com", "c.example.com"}, "10.0.0.9")

	require.NoError(t, life.Register(context.Background()))
	for _, fqdn := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		require.Equal(t, []string{"10.0.0.9"}, dns.upserts[fqdn])
	}
}

func TestMutateOneTreatsNameMismatchAsAbsent(t *testing.T) {
	dns := newFakeDNS(nil)
	// ListRecords returns the lexicographically-next name, which isn't this
	// FQDN (the Route 53 contract, spec.md §9 Open Question #4): a.example.com
	// has no A-record of its own yet, so sets[0] is some unrelated name.
	dns.sets["a.example.com"] = []dnsclient.RecordSet{{Name: "zzz.example.com.", Values: []string{"10.0.0.99"}}}
	life := New(dns, "zone1", []string{"a.example.com"}, "10.0.0.9")

	require.NoError(t, life.Register(context.Background()))

	// The mismatched record's value (10.0.0.99) must not be merged onto
	// a.example.com's upsert.
	require.Equal(t, []string{"10.0.0.9"}, dns.upserts["a.example.com"])
}

func TestAddIPDeduplicatesPreexistingCopy(t *testing.T) {
	out := addIP("10.0.0.9", []string{"10.0.0.9", "10.0.0.9", "10.0.0.5"})
	require.Equal(t, []string{"10.0.0.9", "10.0.0.5"}, out)
}

func TestRemoveIPDropsEveryOccurrence(t *testing.T) {
	out := removeIP("10.0.0.9", []string{"10.0.0.9", "10.0.0.5", "10.0.0.9"})
	require.Equal(t, []string{"10.0.0.5"}, out)
}
