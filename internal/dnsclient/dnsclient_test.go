package dnsclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortedValuesIsOrderInsensitiveButMultiplicitySensitive(t *testing.T) {
	a := SortedValues([]string{"10.0.0.2", "10.0.0.1"})
	b := SortedValues([]string{"10.0.0.1", "10.0.0.2"})
	require.Equal(t, a, b)

	c := SortedValues([]string{"10.0.0.1", "10.0.0.1"})
	require.NotEqual(t, a, c)
}

func TestSortedValuesDoesNotMutateInput(t *testing.T) {
	in := []string{"10.0.0.2", "10.0.0.1"}
	out := SortedValues(in)
	require.Equal(t, []string{"10.0.0.2", "10.0.0.1"}, in)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, out)
}

func TestNamesMatchIgnoresTrailingDotAndCase(t *testing.T) {
	require.True(t, NamesMatch("proxy.example.com.", "proxy.example.com"))
	require.True(t, NamesMatch("Proxy.Example.com", "proxy.example.com."))
	require.False(t, NamesMatch("zzz.example.com.", "proxy.example.com"))
}
