package supervisor

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStartsTasksAndStopsOnCancel(t *testing.T) {
	sup := New(nil)

	var started, stopped int32
	var mu sync.Mutex
	sup.RegisterFunc(func(ctx context.Context) error {
		mu.Lock()
		started++
		mu.Unlock()
		<-ctx.Done()
		mu.Lock()
		stopped++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return started == 1
	}, time.Second, time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), stopped)
}

func TestRunShutsDownRegisteredServers(t *testing.T) {
	sup := New(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sup.RegisterServer("test", &http.Server{Handler: http.NotFoundHandler()}, ln)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Give the server a moment to start serving before cancelling.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunInvokesShutdownHooksInOrder(t *testing.T) {
	sup := New(nil)
	var order []int

	sup.OnShutdown(func(ctx context.Context) error {
		order = append(order, 1)
		return nil
	})
	sup.OnShutdown(func(ctx context.Context) error {
		order = append(order, 2)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sup.Run(ctx))
	require.Equal(t, []int{1, 2}, order)
}
