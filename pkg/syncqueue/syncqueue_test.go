package syncqueue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bahalabs/offgate/pkg/snapshot"
)

type fakeRemote struct {
	mu       sync.Mutex
	applied  []string // targets in application order
	rejected map[string]bool
	down     bool
	headers  []http.Header
}

func (r *fakeRemote) Fetch(_ context.Context, _ string, requestURI string, header http.Header, _ io.Reader) (*snapshot.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errors.New("connection refused")
	}
	r.headers = append(r.headers, header)
	if r.rejected[requestURI] {
		return &snapshot.Snapshot{Status: 500, Header: make(http.Header), StoredTime: time.Now()}, nil
	}
	r.applied = append(r.applied, requestURI)
	return &snapshot.Snapshot{Status: 200, Header: make(http.Header), StoredTime: time.Now()}, nil
}

func newTestEngine(t *testing.T, remote *fakeRemote) *Engine {
	t.Helper()
	e, err := NewEngine(EngineOpts{Storage: NewMemStorage(), Fetcher: remote})
	require.NoError(t, err)
	return e
}

func Test_enqueueDrain(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	e := newTestEngine(t, remote)

	for _, target := range []string{"/api/a", "/api/b", "/api/c"} {
		intent, err := e.Enqueue(ctx, Intent{Target: target, Payload: []byte(`{}`)})
		require.NoError(t, err)
		require.NotEmpty(t, intent.ID)
		require.Equal(t, http.MethodPost, intent.Method)
	}
	n, err := e.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	applied, err := e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, applied)

	// Insertion order preserved, queue empty afterwards.
	require.Equal(t, []string{"/api/a", "/api/b", "/api/c"}, remote.applied)
	n, err = e.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// Every delivery carried an idempotency token.
	for _, h := range remote.headers {
		require.NotEmpty(t, h.Get("X-Idempotency-Key"))
	}
}

func Test_enqueue_rejectsEmptyTarget(t *testing.T) {
	e := newTestEngine(t, &fakeRemote{})
	_, err := e.Enqueue(context.Background(), Intent{Payload: []byte(`{}`)})
	require.Error(t, err)
}

func Test_drain_stopsOnFirstFailure(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{rejected: map[string]bool{"/api/b": true}}
	e := newTestEngine(t, remote)

	for _, target := range []string{"/api/a", "/api/b", "/api/c"} {
		_, err := e.Enqueue(ctx, Intent{Target: target})
		require.NoError(t, err)
	}

	applied, err := e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	// A was applied; B failed, so B and C must both still be queued.
	require.Equal(t, []string{"/api/a"}, remote.applied)
	n, err := e.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Once the remote accepts again the suffix drains in order.
	remote.rejected = nil
	applied, err = e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Equal(t, []string{"/api/a", "/api/b", "/api/c"}, remote.applied)
}

func Test_drain_remoteDown(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{down: true}
	e := newTestEngine(t, remote)

	_, err := e.Enqueue(ctx, Intent{Target: "/api/a"})
	require.NoError(t, err)

	applied, err := e.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, applied)
	n, _ := e.Len(ctx)
	require.Equal(t, 1, n)
}

func Test_trigger(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &fakeRemote{})

	_, err := e.Enqueue(ctx, Intent{Target: "/api/a"})
	require.NoError(t, err)

	_, err = e.Trigger(ctx, "bogus-tag")
	require.ErrorIs(t, err, ErrUnknownTag)

	applied, err := e.Trigger(ctx, DefaultTag)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
}

func Test_drain_singleDrainer(t *testing.T) {
	ctx := context.Background()

	block := make(chan struct{})
	remote := &blockingRemote{block: block}
	e, err := NewEngine(EngineOpts{Storage: NewMemStorage(), Fetcher: remote})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, Intent{Target: "/api/a"})
	require.NoError(t, err)

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, _ = e.Drain(ctx)
	}()
	<-started
	for atomic.LoadUint32(&remote.fetching) == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err = e.Drain(ctx)
	require.ErrorIs(t, err, ErrDrainInProgress)

	close(block)
	wg.Wait()
}

type blockingRemote struct {
	fetching uint32
	block    chan struct{}
}

func (r *blockingRemote) Fetch(_ context.Context, _ string, _ string, _ http.Header, _ io.Reader) (*snapshot.Snapshot, error) {
	atomic.StoreUint32(&r.fetching, 1)
	<-r.block
	return &snapshot.Snapshot{Status: 200, Header: make(http.Header), StoredTime: time.Now()}, nil
}
