package dataplane

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/rproxy/internal/routing"
)

type fakeTable struct {
	upstream string
	resolved bool
	picker   *routing.Picker
	hasPicker bool
}

func (f *fakeTable) ResolveUpstream(host string) (string, bool) {
	return f.upstream, f.resolved
}

func (f *fakeTable) Pick(upstream string) (*routing.Picker, bool) {
	return f.picker, f.hasPicker
}

func (f *fakeTable) Snapshot() map[string][]string {
	return map[string][]string{f.upstream: f.picker.Endpoints()}
}

func TestServeHTTPReturns503WhenHostUnresolved(t *testing.T) {
	h, err := NewHandler(&fakeTable{resolved: false}, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://unknown.example.com/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServeHTTPReturns502WhenUpstreamMissing(t *testing.T) {
	h, err := NewHandler(&fakeTable{upstream: "web", resolved: true, hasPicker: false}, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Equal(t, "502 Bad Gateway\n", rr.Body.String())
}

func TestStatsHandlerRendersSnapshot(t *testing.T) {
	picker, err := routing.NewPicker([]string{"10.0.0.1:80"})
	require.NoError(t, err)
	table := &fakeTable{upstream: "web", picker: picker}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	StatsHandler(table)(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "10.0.0.1:80")
}
