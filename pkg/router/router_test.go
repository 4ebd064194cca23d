package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentbridge/pkg/connection"
	"github.com/codeready-toolchain/agentbridge/pkg/metrics"
	"github.com/codeready-toolchain/agentbridge/pkg/models"
	"github.com/codeready-toolchain/agentbridge/pkg/queue"
)

type recordingSender struct {
	mu   sync.Mutex
	got  []string
	fail error
}

func (s *recordingSender) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, string(payload))
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

type retainedMessage struct {
	userID    string
	sessionID string
	payload   string
}

type fakeRetainer struct {
	mu    sync.Mutex
	items []retainedMessage
}

func (f *fakeRetainer) Retain(userID, sessionID string, payload []byte, _ models.Priority) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, retainedMessage{userID: userID, sessionID: sessionID, payload: string(payload)})
}

func (f *fakeRetainer) all() []retainedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]retainedMessage(nil), f.items...)
}

type testEnv struct {
	router   *Router
	registry *connection.Registry
	retainer *fakeRetainer
	metrics  *metrics.Recorder
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	reg := connection.NewRegistry(queue.DefaultConfig())
	ret := &fakeRetainer{}
	rec := metrics.New()
	r := New(reg, ret, rec, cfg)
	reg.AddReleaser(r)
	return &testEnv{router: r, registry: reg, retainer: ret, metrics: rec}
}

var readyPath = []connection.State{
	connection.StateAccepted,
	connection.StateAuthenticating,
	connection.StateAuthenticated,
	connection.StateServicesInitializing,
	connection.StateServicesReady,
	connection.StateProcessingReady,
}

// addConn registers a connection in both the registry and the router. A
// ready connection has completed its (empty) flush, so sends bypass the queue.
func (e *testEnv) addConn(t *testing.T, connID, userID, sessionID string, ready bool) *recordingSender {
	t.Helper()
	m, err := e.registry.Register(connID, userID)
	require.NoError(t, err)
	if ready {
		for _, s := range readyPath {
			_, err := m.TransitionTo(s, "test")
			require.NoError(t, err)
		}
		q, _ := e.registry.Queue(connID)
		_, err := q.FlushWhenReady(context.Background(), nil)
		require.NoError(t, err)
	}
	s := &recordingSender{}
	require.NoError(t, e.router.RegisterConnection(Registration{
		ConnectionID: connID,
		UserID:       userID,
		SessionID:    sessionID,
		Sender:       s,
	}))
	return s
}

func userMsg(userID, body string) RoutedMessage {
	return RoutedMessage{Type: "test", UserID: userID, Payload: []byte(body)}
}

func userCtx(userID string) RoutingContext {
	return RoutingContext{UserID: userID, Strategy: StrategyUserSpecific, Priority: models.PriorityNormal}
}

func TestRouter_UserSpecificDeliversOnlyToOwner(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	a1 := env.addConn(t, "a1", "alice", "", true)
	a2 := env.addConn(t, "a2", "alice", "", true)
	b1 := env.addConn(t, "b1", "bob", "", true)

	res, err := env.router.RouteMessage(context.Background(), userMsg("alice", "hello"), userCtx("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, res.Delivered)
	assert.Empty(t, res.Queued)
	assert.Equal(t, []string{"hello"}, a1.messages())
	assert.Equal(t, []string{"hello"}, a2.messages())
	assert.Empty(t, b1.messages())
}

func TestRouter_EmptyOwnerTakenFromContext(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	a1 := env.addConn(t, "a1", "alice", "", true)

	_, err := env.router.RouteMessage(context.Background(), RoutedMessage{Type: "x", Payload: []byte("p")}, userCtx("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, a1.messages())
}

func TestRouter_IsolationFuzz(t *testing.T) {
	const users, events = 6, 12
	env := newTestEnv(t, DefaultConfig())

	senders := make(map[string][]*recordingSender)
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		for c := 0; c < 2; c++ {
			connID := fmt.Sprintf("%s-conn-%d", userID, c)
			// Half the connections are still in setup, so both the queue
			// and the direct path are exercised.
			senders[userID] = append(senders[userID], env.addConn(t, connID, userID, "", c == 0))
		}
	}

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			for i := 0; i < events; i++ {
				_, err := env.router.RouteMessage(context.Background(),
					userMsg(userID, fmt.Sprintf("%s|%d", userID, i)), userCtx(userID))
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("user-%d", u))
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		direct := senders[userID][0].messages()
		require.Len(t, direct, events, userID)
		for i, m := range direct {
			assert.Equal(t, fmt.Sprintf("%s|%d", userID, i), m)
		}

		q, ok := env.registry.Queue(fmt.Sprintf("%s-conn-1", userID))
		require.True(t, ok)
		flushed := q.Drain()
		require.Len(t, flushed, events, userID)
		for i, m := range flushed {
			assert.True(t, strings.HasPrefix(string(m.Payload), userID+"|"), "foreign payload %q", m.Payload)
			assert.Equal(t, fmt.Sprintf("%s|%d", userID, i), string(m.Payload))
		}
	}
}

func TestRouter_OwnerMismatchRejected(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	a1 := env.addConn(t, "a1", "alice", "", true)
	b1 := env.addConn(t, "b1", "bob", "", true)

	_, err := env.router.RouteMessage(context.Background(), userMsg("bob", "secret"), userCtx("alice"))
	var v *IsolationViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "bob", v.MessageOwner)
	assert.Equal(t, "alice", v.ContextUser)
	assert.Empty(t, a1.messages())
	assert.Empty(t, b1.messages())
	assert.Empty(t, env.retainer.all())
}

func TestRouter_IsolationCheckedAtDelivery(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	a1 := env.addConn(t, "a1", "alice", "", true)
	mallory := env.addConn(t, "m1", "mallory", "", true)

	// Corrupt the index: mallory's destination ends up in alice's set.
	env.router.mu.Lock()
	foreign := env.router.users["mallory"].dests["m1"]
	env.router.users["alice"].dests["m1"] = foreign
	env.router.mu.Unlock()

	res, err := env.router.RouteMessage(context.Background(), userMsg("alice", "private"), userCtx("alice"))
	var v *IsolationViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "m1", v.ConnectionID)
	assert.Equal(t, "mallory", v.DestinationOwner)
	assert.Equal(t, []string{"a1"}, res.Delivered)
	assert.Equal(t, []string{"private"}, a1.messages())
	assert.Empty(t, mallory.messages())
}

func TestRouter_NoDestinationsIsUnavailable(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.addConn(t, "b1", "bob", "", true)

	res, err := env.router.RouteMessage(context.Background(), userMsg("alice", "later"),
		RoutingContext{UserID: "alice", SessionID: "s1", Strategy: StrategyUserSpecific})
	var unavailable *BridgeUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, unavailable.Retained)
	assert.True(t, res.Retained)
	assert.Zero(t, res.Reached())
	assert.Equal(t, []retainedMessage{{userID: "alice", sessionID: "s1", payload: "later"}}, env.retainer.all())
}

func TestRouter_UnavailableForSingleConnectionNotRetained(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	rctx := userCtx("alice")
	rctx.ConnectionID = "gone"

	res, err := env.router.RouteMessage(context.Background(), userMsg("alice", "heartbeat"), rctx)
	var unavailable *BridgeUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.False(t, res.Retained)
	assert.Empty(t, env.retainer.all())
}

func TestRouter_SessionSpecific(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	s1 := env.addConn(t, "a1", "alice", "sess-1", true)
	s2 := env.addConn(t, "a2", "alice", "sess-2", true)

	res, err := env.router.RouteMessage(context.Background(), userMsg("alice", "x"),
		RoutingContext{UserID: "alice", SessionID: "sess-2", Strategy: StrategySessionSpecific})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, res.Delivered)
	assert.Empty(t, s1.messages())
	assert.Equal(t, []string{"x"}, s2.messages())

	_, err = env.router.RouteMessage(context.Background(), userMsg("alice", "x"),
		RoutingContext{UserID: "alice", Strategy: StrategySessionSpecific})
	assert.ErrorIs(t, err, ErrInvalidRouting)
}

func TestRouter_BroadcastAll(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	a := env.addConn(t, "a1", "alice", "", true)
	b := env.addConn(t, "b1", "bob", "", true)

	res, err := env.router.RouteMessage(context.Background(),
		RoutedMessage{Type: "notice", Payload: []byte("maintenance")},
		RoutingContext{Strategy: StrategyBroadcastAll})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1"}, res.Delivered)
	assert.Equal(t, []string{"maintenance"}, a.messages())
	assert.Equal(t, []string{"maintenance"}, b.messages())

	// A user-owned message is never broadcast to other users.
	_, err = env.router.RouteMessage(context.Background(), userMsg("alice", "mine"),
		RoutingContext{Strategy: StrategyBroadcastAll})
	var v *IsolationViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "b1", v.ConnectionID)
	assert.Empty(t, b.messages()[1:])
}

func TestRouter_QueuesUntilReady(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	s := env.addConn(t, "a1", "alice", "", false)

	for i := 0; i < 3; i++ {
		res, err := env.router.RouteMessage(context.Background(), userMsg("alice", fmt.Sprintf("m%d", i)), userCtx("alice"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, res.Queued)
	}
	assert.Empty(t, s.messages())

	q, _ := env.registry.Queue("a1")
	assert.Equal(t, 3, q.Size())
}

func TestRouter_FailedSendDeactivates(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	good := env.addConn(t, "a1", "alice", "", true)
	bad := env.addConn(t, "a2", "alice", "", true)
	bad.fail = errors.New("broken pipe")

	res, err := env.router.RouteMessage(context.Background(), userMsg("alice", "one"), userCtx("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, res.Delivered)
	assert.Equal(t, []string{"a2"}, res.Failed)

	d, ok := env.router.Destination("a2")
	require.True(t, ok)
	assert.False(t, d.Active)

	res, err = env.router.RouteMessage(context.Background(), userMsg("alice", "two"), userCtx("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, res.Delivered)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"one", "two"}, good.messages())

	assert.Equal(t, []string{"a2"}, env.router.CleanupInactiveConnections(time.Hour))
	assert.Equal(t, 1, env.router.ConnectionCount())
}

func TestRouter_AllSendsFailedIsRetained(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	bad := env.addConn(t, "a1", "alice", "", true)
	bad.fail = errors.New("closed")

	res, err := env.router.RouteMessage(context.Background(), userMsg("alice", "keep"), userCtx("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, res.Failed)
	assert.True(t, res.Retained)
	require.Len(t, env.retainer.all(), 1)
}

func TestRouter_PriorityBasedShedding(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentSends: 1, SendTimeout: time.Second})
	s := env.addConn(t, "a1", "alice", "", true)

	// Saturate the only send slot.
	env.router.sem <- struct{}{}

	rctx := RoutingContext{UserID: "alice", Strategy: StrategyPriorityBased, Priority: models.PriorityNormal}
	res, err := env.router.RouteMessage(context.Background(), userMsg("alice", "normal"), rctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, res.Dropped)

	rctx.Priority = models.PriorityCritical
	res, err = env.router.RouteMessage(context.Background(), userMsg("alice", "critical"), rctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, res.Delivered)

	rctx.Priority = models.PriorityHigh
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err = env.router.RouteMessage(ctx, userMsg("alice", "high-timeout"), rctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, res.Dropped)

	// HIGH waits for capacity instead of being shed.
	done := make(chan RoutingResult, 1)
	go func() {
		res, _ := env.router.RouteMessage(context.Background(), userMsg("alice", "high"), rctx)
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	<-env.router.sem
	select {
	case res := <-done:
		assert.Equal(t, []string{"a1"}, res.Delivered)
	case <-time.After(2 * time.Second):
		t.Fatal("HIGH priority message never delivered")
	}

	assert.Equal(t, []string{"critical", "high"}, s.messages())
}

func TestRouter_ConnectionNarrowing(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	a1 := env.addConn(t, "a1", "alice", "", true)
	a2 := env.addConn(t, "a2", "alice", "", true)

	rctx := userCtx("alice")
	rctx.ConnectionID = "a2"
	res, err := env.router.RouteMessage(context.Background(), userMsg("alice", "hb"), rctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, res.Delivered)
	assert.Empty(t, a1.messages())
	assert.Equal(t, []string{"hb"}, a2.messages())

	// Narrowing never crosses users.
	rctx = userCtx("bob")
	rctx.ConnectionID = "a1"
	_, err = env.router.RouteMessage(context.Background(), userMsg("bob", "hb"), rctx)
	var unavailable *BridgeUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestRouter_InvalidContext(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	_, err := env.router.RouteMessage(context.Background(), userMsg("", "x"), RoutingContext{Strategy: StrategyUserSpecific})
	assert.ErrorIs(t, err, ErrInvalidRouting)

	_, err = env.router.RouteMessage(context.Background(), userMsg("a", "x"), RoutingContext{UserID: "a", Strategy: "nearest"})
	assert.ErrorIs(t, err, ErrInvalidRouting)
}

func TestRouter_TouchAndIdleCleanup(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	env.router.now = func() time.Time { return now }

	env.addConn(t, "a1", "alice", "", true)
	env.addConn(t, "a2", "alice", "", true)

	now = now.Add(10 * time.Minute)
	env.router.Touch("a2")

	removed := env.router.CleanupInactiveConnections(5 * time.Minute)
	assert.Equal(t, []string{"a1"}, removed)
	assert.Equal(t, 1, env.router.ConnectionCount())
	assert.Equal(t, 1, env.router.UserCount())

	d, ok := env.router.Destination("a2")
	require.True(t, ok)
	assert.True(t, now.Equal(d.LastActivity), "last activity %s", d.LastActivity)
}

func TestRouter_UnregisterRemovesExactlyOne(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.addConn(t, "a1", "alice", "", true)
	env.addConn(t, "a2", "alice", "", true)

	assert.True(t, env.router.UnregisterConnection("a1"))
	assert.False(t, env.router.UnregisterConnection("a1"))
	dests := env.router.Destinations("alice")
	require.Len(t, dests, 1)
	assert.Equal(t, "a2", dests[0].ConnectionID)

	// Registry teardown releases the router destination too.
	env.registry.Unregister("a2")
	assert.Empty(t, env.router.Destinations("alice"))
	assert.Equal(t, 0, env.router.UserCount())
}

func TestRouter_RegisterValidation(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.addConn(t, "a1", "alice", "", true)

	err := env.router.RegisterConnection(Registration{ConnectionID: "a1", UserID: "alice", Sender: &recordingSender{}})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	err = env.router.RegisterConnection(Registration{ConnectionID: "x", UserID: "alice"})
	assert.ErrorIs(t, err, ErrInvalidRouting)

	err = env.router.RegisterConnection(Registration{ConnectionID: "x", Sender: &recordingSender{}})
	assert.ErrorIs(t, err, ErrInvalidRouting)
}
