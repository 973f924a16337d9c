package supervisor

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/groupchat/clients/go/chat"
	"github.com/eldtechnologies/groupchat/internal/crypto"
	"github.com/eldtechnologies/groupchat/internal/models"
	"github.com/eldtechnologies/groupchat/internal/protocol"
	"github.com/eldtechnologies/groupchat/internal/sidechannel"
)

const (
	testPasskey = "letmein"
	recvTimeout = 2 * time.Second
)

// fakeLauncher hands out engines that exit when stopped.
type fakeLauncher struct {
	mu      sync.Mutex
	specs   []EngineSpec
	engines []*Engine
	stops   int
}

func (f *fakeLauncher) Launch(_ context.Context, spec EngineSpec) (*Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := &Engine{pid: 4242 + len(f.engines), done: make(chan struct{})}
	var once sync.Once
	e.stop = func() {
		once.Do(func() {
			f.mu.Lock()
			f.stops++
			f.mu.Unlock()
			spec.Population.Close()
			close(e.done)
		})
	}
	f.specs = append(f.specs, spec)
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeLauncher) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeLauncher) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeLauncher) publish(t *testing.T, count int) {
	t.Helper()
	f.mu.Lock()
	w := f.specs[len(f.specs)-1].Population
	f.mu.Unlock()
	require.NoError(t, sidechannel.WriteCount(w, count))
}

// crash makes the latest engine exit on its own.
func (f *fakeLauncher) crash() {
	f.mu.Lock()
	e := f.engines[len(f.engines)-1]
	f.mu.Unlock()
	e.stop()
}

type fakeAudit struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeAudit) RecordEvent(_ context.Context, e *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeAudit) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, 0, len(f.events))
	for _, e := range f.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func testConfig(t *testing.T) Config {
	t.Helper()
	pk, err := crypto.NewPasskey(testPasskey, bcrypt.MinCost)
	require.NoError(t, err)
	return Config{
		EngineAddr:  freeAddr(t),
		Passkey:     pk,
		StopTimeout: 2 * time.Second,
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startSupervisor(t *testing.T, cfg Config, launcher Launcher, opts ...Option) (*Supervisor, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sup := New(cfg, launcher, zerolog.Nop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sup.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return sup, ln.Addr().String()
}

func dial(t *testing.T, addr string) *chat.Client {
	t.Helper()
	c, err := chat.Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func expect(t *testing.T, c *chat.Client, want string) {
	t.Helper()
	got, err := c.ReceiveWithin(recvTimeout)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func expectNothing(t *testing.T, c *chat.Client) {
	t.Helper()
	got, err := c.ReceiveWithin(150 * time.Millisecond)
	require.Error(t, err, "unexpected frame %q", got)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func expectClosed(t *testing.T, c *chat.Client) {
	t.Helper()
	_, err := c.ReceiveWithin(recvTimeout)
	assert.ErrorIs(t, err, protocol.ErrPeerClosed)
}

func login(t *testing.T, addr string) *chat.Client {
	t.Helper()
	c := dial(t, addr)
	require.NoError(t, c.Send(testPasskey+"\n"))
	expect(t, c, "ACCEPTED")
	return c
}

func TestAuthRetryExhaustion(t *testing.T) {
	launcher := &fakeLauncher{}
	audit := &fakeAudit{}
	_, addr := startSupervisor(t, testConfig(t), launcher, WithAudit(audit))

	c := dial(t, addr)
	for _, remaining := range []string{"2", "1", "0"} {
		require.NoError(t, c.Send("wrong\n"))
		expect(t, c, "Incorrect passkey. Attempts remaining: "+remaining)
	}
	expect(t, c, "Passkey authentication failed. Closing connection.")
	expectClosed(t, c)

	// Commands after the failure never reach the supervisor.
	_ = c.Send(protocol.CommandStart)
	assert.Equal(t, 0, launcher.launches())

	require.Eventually(t, func() bool {
		kinds := audit.kinds()
		return len(kinds) == 2 &&
			kinds[0] == models.EventManagerConnected && kinds[1] == models.EventAuthFailed
	}, recvTimeout, 10*time.Millisecond)
}

func TestAuthenticateAfterMistake(t *testing.T) {
	_, addr := startSupervisor(t, testConfig(t), &fakeLauncher{})

	c := dial(t, addr)
	require.NoError(t, c.Send("nope"))
	expect(t, c, "Incorrect passkey. Attempts remaining: 2")
	require.NoError(t, c.Send(testPasskey))
	expect(t, c, "ACCEPTED")
}

func TestUnknownVersionIgnored(t *testing.T) {
	launcher := &fakeLauncher{}
	_, addr := startSupervisor(t, testConfig(t), launcher)

	c := dial(t, addr)
	require.NoError(t, c.SendRaw(protocol.Version+1, []byte("wrong")))
	expectNothing(t, c)
	require.NoError(t, c.SendRaw(protocol.Version+1, []byte(testPasskey)))
	expectNothing(t, c)

	// The ignored frames did not use up an attempt.
	require.NoError(t, c.Send("wrong"))
	expect(t, c, "Incorrect passkey. Attempts remaining: 2")
	require.NoError(t, c.Send(testPasskey))
	expect(t, c, "ACCEPTED")

	require.NoError(t, c.SendRaw(protocol.Version+1, []byte(protocol.CommandStart)))
	expectNothing(t, c)
	assert.Equal(t, 0, launcher.launches())

	require.NoError(t, c.Send(protocol.CommandStart))
	expect(t, c, "STARTED")
}

func TestStartStopIdempotent(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, addr := startSupervisor(t, testConfig(t), launcher)
	c := login(t, addr)

	require.NoError(t, c.Send(protocol.CommandStop))
	expectNothing(t, c)
	assert.Equal(t, 0, launcher.stopCount())

	require.NoError(t, c.Send(protocol.CommandStart))
	expect(t, c, "STARTED")
	require.Eventually(t, func() bool {
		return sup.Status().EngineRunning
	}, recvTimeout, 10*time.Millisecond)

	require.NoError(t, c.Send(protocol.CommandStart+"\n"))
	expectNothing(t, c)
	assert.Equal(t, 1, launcher.launches())

	require.NoError(t, c.Send(protocol.CommandStop))
	expect(t, c, "STOPPED")
	assert.Equal(t, 1, launcher.stopCount())
	assert.False(t, sup.Status().EngineRunning)

	require.NoError(t, c.Send(protocol.CommandStop))
	expectNothing(t, c)

	// A stopped engine can be started again.
	require.NoError(t, c.Send(protocol.CommandStart))
	expect(t, c, "STARTED")
	assert.Eventually(t, func() bool {
		return launcher.launches() == 2
	}, recvTimeout, 10*time.Millisecond)
}

func TestEngineGetsConfiguredAddrAndManager(t *testing.T) {
	launcher := &fakeLauncher{}
	cfg := testConfig(t)
	_, addr := startSupervisor(t, cfg, launcher)
	c := login(t, addr)

	require.NoError(t, c.Send(protocol.CommandStart))
	expect(t, c, "STARTED")
	require.Eventually(t, func() bool {
		return launcher.launches() == 1
	}, recvTimeout, 10*time.Millisecond)

	launcher.mu.Lock()
	spec := launcher.specs[0]
	launcher.mu.Unlock()
	assert.Equal(t, cfg.EngineAddr, spec.Addr)
	require.NotNil(t, spec.Manager)
	assert.Equal(t, c.Conn().LocalAddr().String(), spec.Manager.RemoteAddr().String())
}

func TestUnknownCommandGetsNoReply(t *testing.T) {
	launcher := &fakeLauncher{}
	_, addr := startSupervisor(t, testConfig(t), launcher)
	c := login(t, addr)

	require.NoError(t, c.Send("/x"))
	expectNothing(t, c)
	require.NoError(t, c.Send("start please"))
	expectNothing(t, c)
	assert.Equal(t, 0, launcher.launches())
}

func TestPopulationRelay(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, addr := startSupervisor(t, testConfig(t), launcher)
	c := login(t, addr)

	require.NoError(t, c.Send(protocol.CommandStart))
	expect(t, c, "STARTED")
	require.Eventually(t, func() bool {
		return launcher.launches() == 1
	}, recvTimeout, 10*time.Millisecond)

	launcher.publish(t, 3)
	expect(t, c, "/d 3")
	launcher.publish(t, 2)
	expect(t, c, "/d 2")
	assert.Equal(t, 2, sup.Status().Population)
}

func TestEngineExitIsNoticed(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, addr := startSupervisor(t, testConfig(t), launcher)
	c := login(t, addr)

	require.NoError(t, c.Send(protocol.CommandStart))
	expect(t, c, "STARTED")
	require.Eventually(t, func() bool {
		return sup.Status().EngineRunning
	}, recvTimeout, 10*time.Millisecond)

	launcher.crash()
	require.Eventually(t, func() bool {
		return !sup.Status().EngineRunning
	}, recvTimeout, 10*time.Millisecond)

	// /s is accepted again once the old engine is gone.
	require.NoError(t, c.Send(protocol.CommandStart))
	expect(t, c, "STARTED")
}

func TestManagerDepartureStopsEngine(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, addr := startSupervisor(t, testConfig(t), launcher)
	c := login(t, addr)

	require.NoError(t, c.Send(protocol.CommandStart))
	expect(t, c, "STARTED")
	require.Eventually(t, func() bool {
		return sup.Status().EngineRunning
	}, recvTimeout, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		st := sup.Status()
		return launcher.stopCount() == 1 && !st.EngineRunning && !st.ManagerConnected
	}, recvTimeout, 10*time.Millisecond)

	// The next manager is served.
	login(t, addr)
}

func TestOneManagerAtATime(t *testing.T) {
	_, addr := startSupervisor(t, testConfig(t), &fakeLauncher{})
	first := login(t, addr)

	second := dial(t, addr)
	require.NoError(t, second.Send(testPasskey))
	expectNothing(t, second)

	require.NoError(t, first.Close())
	expect(t, second, "ACCEPTED")
}

func TestBlockedManagerRefused(t *testing.T) {
	blocker := newFakeBlocker()
	guard := NewGuard(blocker, zerolog.Nop(), GuardConfig{AutoBlockEnabled: true, Threshold: 1})
	audit := &fakeAudit{}
	_, addr := startSupervisor(t, testConfig(t), &fakeLauncher{}, WithGuard(guard), WithAudit(audit))

	c := dial(t, addr)
	for i := 0; i < DefaultMaxAttempts; i++ {
		require.NoError(t, c.Send("wrong"))
		_, err := c.ReceiveWithin(recvTimeout)
		require.NoError(t, err)
	}
	expect(t, c, "Passkey authentication failed. Closing connection.")
	expectClosed(t, c)

	require.Eventually(t, func() bool {
		return blocker.IsBlocked(context.Background(), "127.0.0.1")
	}, recvTimeout, 10*time.Millisecond)

	again := dial(t, addr)
	expectClosed(t, again)
	assert.Contains(t, audit.kinds(), models.EventManagerBlocked)
}

func TestSupervisorWithInProcessEngine(t *testing.T) {
	cfg := testConfig(t)
	launcher := &InProcessLauncher{Logger: zerolog.Nop()}
	sup, addr := startSupervisor(t, cfg, launcher)
	manager := login(t, addr)

	require.NoError(t, manager.Send(protocol.CommandStart))
	expect(t, manager, "STARTED")

	var client *chat.Client
	require.Eventually(t, func() bool {
		c, err := chat.Dial(context.Background(), cfg.EngineAddr)
		if err != nil {
			return false
		}
		client = c
		return true
	}, recvTimeout, 20*time.Millisecond)
	defer client.Close()

	expect(t, client, "\nWelcome to the chat, Client1!\n")
	_, err := client.ReceiveWithin(recvTimeout)
	require.NoError(t, err)

	expect(t, manager, "/d 1")
	assert.Equal(t, os.Getpid(), sup.Status().EnginePid)

	require.NoError(t, manager.Send(protocol.CommandStop))
	expect(t, manager, "STOPPED")
	expect(t, client, "Server is now offline. Please join back later.")
	expectClosed(t, client)
}
