package handle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodewarden/nodewarden/pkg/engine"
	"github.com/nodewarden/nodewarden/pkg/log"
	"github.com/nodewarden/nodewarden/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeEngine is an in-memory engine.Client that counts operations and can
// be scripted to fail
type fakeEngine struct {
	mu           sync.Mutex
	configPushes int
	deltaPushes  int
	failPushes   int // fail the next N pushes with a transport error
	protocolErr  bool
	closed       bool
}

func (f *fakeEngine) ApplyConfig(ctx context.Context, cfg *types.EngineConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.protocolErr {
		return &engine.ProtocolError{Op: "apply config", Status: 400, Detail: "rejected"}
	}
	if f.failPushes > 0 {
		f.failPushes--
		return &engine.TransportError{Op: "apply config", Err: errors.New("connection refused")}
	}
	f.configPushes++
	return nil
}

func (f *fakeEngine) ApplyDelta(ctx context.Context, delta *engine.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPushes > 0 {
		f.failPushes--
		return &engine.TransportError{Op: "apply delta", Err: errors.New("connection refused")}
	}
	f.deltaPushes++
	return nil
}

func (f *fakeEngine) QueryStats(ctx context.Context) ([]types.TrafficStat, error) {
	return nil, nil
}

func (f *fakeEngine) State(ctx context.Context) (*engine.State, error) {
	return &engine.State{Running: true}, nil
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configPushes
}

func testNode() *types.Node {
	return &types.Node{ID: "node-1", Address: "10.0.0.1", APIPort: 62050, Enabled: true}
}

func testConfig(revision uint64) *types.EngineConfig {
	return &types.EngineConfig{Revision: revision, Inbounds: []types.ConfigInbound{}}
}

func fastOptions() Options {
	return Options{
		StartTimeout:   time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	}
}

func newTestHandle(fake *fakeEngine, opts Options) *Handle {
	dialer := func(node *types.Node) (engine.Client, error) { return fake, nil }
	return New(testNode(), dialer, opts)
}

func TestStartTransitionsToRunning(t *testing.T) {
	fake := &fakeEngine{}
	h := newTestHandle(fake, fastOptions())

	assert.Equal(t, StateStopped, h.State())
	require.NoError(t, h.Start(context.Background(), testConfig(1)))
	assert.Equal(t, StateRunning, h.State())
	assert.NotEmpty(t, h.Fingerprint())
	assert.Equal(t, 1, fake.pushCount())
}

func TestStartFailureMarksFailed(t *testing.T) {
	fake := &fakeEngine{failPushes: 10}
	h := newTestHandle(fake, fastOptions())

	err := h.Start(context.Background(), testConfig(1))
	require.Error(t, err)
	assert.Equal(t, StateFailed, h.State())
	assert.Error(t, h.LastError())
}

func TestPushIdempotentOnSameFingerprint(t *testing.T) {
	fake := &fakeEngine{}
	h := newTestHandle(fake, fastOptions())
	cfg := testConfig(1)

	require.NoError(t, h.Start(context.Background(), cfg))
	require.NoError(t, h.Push(context.Background(), cfg))
	require.NoError(t, h.Push(context.Background(), cfg))

	// Start pushed once; the two identical pushes must not touch the network
	assert.Equal(t, 1, fake.pushCount(), "push with matching fingerprint must perform exactly one network push")
}

func TestPushNewConfigUpdatesFingerprint(t *testing.T) {
	fake := &fakeEngine{}
	h := newTestHandle(fake, fastOptions())

	require.NoError(t, h.Start(context.Background(), testConfig(1)))
	before := h.Fingerprint()

	require.NoError(t, h.Push(context.Background(), testConfig(2)))
	assert.NotEqual(t, before, h.Fingerprint())
	assert.Equal(t, 2, fake.pushCount())
}

func TestPushRetriesTransportFailures(t *testing.T) {
	fake := &fakeEngine{}
	h := newTestHandle(fake, fastOptions())
	require.NoError(t, h.Start(context.Background(), testConfig(1)))

	// Two transport failures, then success within the three-attempt budget
	fake.mu.Lock()
	fake.failPushes = 2
	fake.mu.Unlock()

	require.NoError(t, h.Push(context.Background(), testConfig(2)))
	assert.Equal(t, StateRunning, h.State())
}

func TestPushExhaustedRetriesFailsHandle(t *testing.T) {
	fake := &fakeEngine{}
	h := newTestHandle(fake, fastOptions())
	require.NoError(t, h.Start(context.Background(), testConfig(1)))

	fake.mu.Lock()
	fake.failPushes = 10
	fake.mu.Unlock()

	err := h.Push(context.Background(), testConfig(2))
	require.Error(t, err)
	assert.True(t, engine.IsTransport(err))
	assert.Equal(t, StateFailed, h.State(), "exhausted retries must surface, not drop silently")
}

func TestPushProtocolErrorNotRetried(t *testing.T) {
	fake := &fakeEngine{}
	h := newTestHandle(fake, fastOptions())
	require.NoError(t, h.Start(context.Background(), testConfig(1)))

	fake.mu.Lock()
	fake.protocolErr = true
	fake.mu.Unlock()

	err := h.Push(context.Background(), testConfig(2))
	require.Error(t, err)
	assert.True(t, engine.IsProtocol(err))
	// Protocol rejection is not a dead transport: handle stays running and
	// the supervisor schedules a resync
	assert.Equal(t, StateRunning, h.State())
}

func TestApplyDeltaRequiresRunning(t *testing.T) {
	fake := &fakeEngine{}
	h := newTestHandle(fake, fastOptions())

	err := h.ApplyDelta(context.Background(), &engine.Delta{Removes: []string{"bob"}})
	assert.Error(t, err)
}

func TestRestartUsesLastKnownGoodConfig(t *testing.T) {
	fake := &fakeEngine{}
	h := newTestHandle(fake, fastOptions())
	require.NoError(t, h.Start(context.Background(), testConfig(1)))
	fp := h.Fingerprint()

	require.NoError(t, h.Restart(context.Background()))
	assert.Equal(t, StateRunning, h.State())
	assert.Equal(t, 1, h.RestartCount())
	assert.Equal(t, fp, h.Fingerprint())
}

func TestRestartBudgetEscalatesToFailed(t *testing.T) {
	mock := clock.NewMock()
	opts := fastOptions()
	opts.Clock = mock
	opts.RestartBudget = 2
	opts.RestartWindow = time.Minute

	fake := &fakeEngine{}
	h := newTestHandle(fake, opts)
	require.NoError(t, h.Start(context.Background(), testConfig(1)))

	require.NoError(t, h.Restart(context.Background()))
	require.NoError(t, h.Restart(context.Background()))

	err := h.Restart(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, h.State())

	// Outside the rolling window the budget is fresh again
	mock.Add(2 * time.Minute)
	assert.NoError(t, h.Restart(context.Background()))
	assert.Equal(t, StateRunning, h.State())
}

func TestStopReleasesConnection(t *testing.T) {
	fake := &fakeEngine{}
	h := newTestHandle(fake, fastOptions())
	require.NoError(t, h.Start(context.Background(), testConfig(1)))

	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, StateStopped, h.State())
	assert.True(t, fake.closed)
}

// hangingCloseEngine never returns from Close until released, simulating
// a dead peer whose TCP teardown stalls
type hangingCloseEngine struct {
	*fakeEngine
	release chan struct{}
}

func (h *hangingCloseEngine) Close() error {
	<-h.release
	return h.fakeEngine.Close()
}

func TestStopIsBoundedWhenCloseHangs(t *testing.T) {
	fake := &hangingCloseEngine{fakeEngine: &fakeEngine{}, release: make(chan struct{})}
	defer close(fake.release)

	dialer := func(node *types.Node) (engine.Client, error) { return fake, nil }
	h := New(testNode(), dialer, fastOptions())
	require.NoError(t, h.Start(context.Background(), testConfig(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, h.State(), "the handle detaches even when the close is abandoned")
}
