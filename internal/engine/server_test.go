package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/groupchat/clients/go/chat"
	"github.com/eldtechnologies/groupchat/internal/models"
	"github.com/eldtechnologies/groupchat/internal/protocol"
	"github.com/eldtechnologies/groupchat/internal/registry"
	"github.com/eldtechnologies/groupchat/internal/sidechannel"
)

const recvTimeout = 2 * time.Second

type testEngine struct {
	srv    *Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startEngine(t *testing.T, cfg Config, opts ...Option) *testEngine {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(cfg, zerolog.Nop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	te := &testEngine{
		srv:    srv,
		addr:   ln.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		te.done <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-te.done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return te
}

// join connects a client and consumes the greeting.
func (te *testEngine) join(t *testing.T, name string) *chat.Client {
	t.Helper()

	c, err := chat.Dial(context.Background(), te.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	welcome, err := c.ReceiveWithin(recvTimeout)
	require.NoError(t, err)
	assert.Equal(t, "\nWelcome to the chat, "+name+"!\n", welcome)

	commands, err := c.ReceiveWithin(recvTimeout)
	require.NoError(t, err)
	assert.Equal(t, trim(protocol.CommandList), commands)
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

func trim(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}

func TestWelcomeAssignsDefaultNames(t *testing.T) {
	te := startEngine(t, Config{})

	te.join(t, "Client1")
	te.join(t, "Client2")

	assert.Equal(t, 2, te.srv.Registry().Count())
}

func TestHelpAndUnknownCommand(t *testing.T) {
	te := startEngine(t, Config{})
	c := te.join(t, "Client1")

	require.NoError(t, c.Send("/h\n"))
	expect(t, c, trim(protocol.CommandList))

	require.NoError(t, c.Send("/nope"))
	expect(t, c, trim(protocol.CommandNotFound))

	// "/help" is not "/h".
	require.NoError(t, c.Send("/help"))
	expect(t, c, trim(protocol.CommandNotFound))
}

func TestUserListMarksRequester(t *testing.T) {
	te := startEngine(t, Config{})
	a := te.join(t, "Client1")
	b := te.join(t, "Client2")

	require.NoError(t, a.Send("/ul"))
	expect(t, a, "USER LIST\nClient1(you)\nClient2")

	require.NoError(t, b.Send("/ul"))
	expect(t, b, "USER LIST\nClient1\nClient2(you)")
}

func TestSetUsername(t *testing.T) {
	te := startEngine(t, Config{})
	a := te.join(t, "Client1")
	b := te.join(t, "Client2")

	require.NoError(t, a.Send("/u alice"))
	expect(t, a, "Server: Success! You will now go by alice.")

	require.NoError(t, b.Send("/u alice"))
	expect(t, b, trim(protocol.UsernameFailure))

	require.NoError(t, b.Send("/u Client1"))
	expect(t, b, "Server: Success! You will now go by Client1.")

	require.NoError(t, a.Send("/u"))
	expect(t, a, trim(protocol.InvalidNumArgs))

	require.NoError(t, a.Send("/u two words"))
	expect(t, a, trim(protocol.InvalidNumArgs))

	require.NoError(t, a.Send("/u abcdefghijklmnop"))
	expect(t, a, trim(protocol.UsernameTooLong))

	require.NoError(t, a.Send("/u abcdefghijklmno"))
	expect(t, a, "Server: Success! You will now go by abcdefghijklmno.")

	require.NoError(t, a.Send("/ul"))
	expect(t, a, "USER LIST\nabcdefghijklmno(you)\nClient1")

	require.NoError(t, a.Send("/ u alice"))
	expect(t, a, "Server: Success! You will now go by alice.")
}

func TestBroadcastExcludesSender(t *testing.T) {
	te := startEngine(t, Config{})
	a := te.join(t, "Client1")
	b := te.join(t, "Client2")
	c := te.join(t, "Client3")

	require.NoError(t, a.Send("hello everyone\n"))
	expect(t, b, "[All] Client1: hello everyone")
	expect(t, c, "[All] Client1: hello everyone")
	expectNothing(t, a)
}

func TestWhisper(t *testing.T) {
	te := startEngine(t, Config{})
	a := te.join(t, "Client1")
	b := te.join(t, "Client2")
	c := te.join(t, "Client3")

	t.Run("direct", func(t *testing.T) {
		require.NoError(t, a.Send("/w Client2 meet at noon"))
		expect(t, b, "[Direct] Client1: meet at noon")
		expectNothing(t, a)
		expectNothing(t, c)
	})

	t.Run("note to self", func(t *testing.T) {
		require.NoError(t, a.Send("/w Client1 remember milk"))
		expect(t, a, "[Note] Client1: remember milk")
		expectNothing(t, b)
	})

	t.Run("unknown receiver", func(t *testing.T) {
		require.NoError(t, a.Send("/w Nobody hi"))
		expect(t, a, trim(protocol.InvalidReceiver))
	})

	t.Run("missing message", func(t *testing.T) {
		require.NoError(t, a.Send("/w Client2"))
		expect(t, a, trim(protocol.InvalidNumArgs))
		expectNothing(t, b)
	})
}

func TestServerFull(t *testing.T) {
	te := startEngine(t, Config{})

	for i := 1; i <= registry.Capacity; i++ {
		te.join(t, fmt.Sprintf("Client%d", i))
	}

	extra, err := chat.Dial(context.Background(), te.addr)
	require.NoError(t, err)
	defer extra.Close()

	expect(t, extra, trim(protocol.ServerFull))
	_, err = extra.ReceiveWithin(recvTimeout)
	assert.ErrorIs(t, err, protocol.ErrPeerClosed)
	assert.Equal(t, registry.Capacity, te.srv.Registry().Count())
}

func TestSlotReusedAfterLeave(t *testing.T) {
	te := startEngine(t, Config{})
	a := te.join(t, "Client1")
	te.join(t, "Client2")

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		return te.srv.Registry().Count() == 1
	}, recvTimeout, 10*time.Millisecond)

	te.join(t, "Client1")
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	te := startEngine(t, Config{})
	c := te.join(t, "Client1")

	// Declare 2000 bytes against a 1024-byte buffer; send no payload.
	_, err := c.Conn().Write([]byte{protocol.Version, 0x07, 0xD0})
	require.NoError(t, err)

	_, err = c.ReceiveWithin(recvTimeout)
	assert.ErrorIs(t, err, protocol.ErrPeerClosed)
	require.Eventually(t, func() bool {
		return te.srv.Registry().Count() == 0
	}, recvTimeout, 10*time.Millisecond)
}

func TestIgnoresUnknownVersionAndEmptyFrames(t *testing.T) {
	te := startEngine(t, Config{})
	c := te.join(t, "Client1")

	require.NoError(t, c.SendRaw(2, []byte("/h")))
	require.NoError(t, c.SendRaw(protocol.Version, nil))
	require.NoError(t, c.Send("\n"))
	require.NoError(t, c.Send("/ul"))

	expect(t, c, "USER LIST\nClient1(you)")
}

func TestFloodLimit(t *testing.T) {
	te := startEngine(t, Config{MessageRate: rate.Limit(0.001), MessageBurst: 1})
	c := te.join(t, "Client1")

	require.NoError(t, c.Send("/ul"))
	expect(t, c, "USER LIST\nClient1(you)")

	require.NoError(t, c.Send("/ul"))
	expect(t, c, trim(protocol.RateLimited))
}

func TestShutdownNotifiesClients(t *testing.T) {
	te := startEngine(t, Config{})
	a := te.join(t, "Client1")
	b := te.join(t, "Client2")

	te.cancel()

	for _, c := range []*chat.Client{a, b} {
		expect(t, c, trim(protocol.ShutdownMessage))
		_, err := c.ReceiveWithin(recvTimeout)
		assert.ErrorIs(t, err, protocol.ErrPeerClosed)
	}

	select {
	case err := <-te.done:
		assert.NoError(t, err)
		te.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, 0, te.srv.Registry().Count())
}

func TestPopulationSideChannel(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	te := startEngine(t, Config{}, WithPopulationChannel(w))

	waitForCount := func(want int) {
		t.Helper()
		deadline := time.Now().Add(recvTimeout)
		require.NoError(t, r.SetReadDeadline(deadline))
		for {
			got, err := sidechannel.ReadCount(r)
			require.NoError(t, err)
			if got == want {
				return
			}
		}
	}

	a := te.join(t, "Client1")
	waitForCount(1)
	te.join(t, "Client2")
	waitForCount(2)

	require.NoError(t, a.Close())
	waitForCount(1)
}

type fakePresence struct {
	mu   sync.Mutex
	last *models.Presence
}

func (f *fakePresence) SetPresence(_ context.Context, p *models.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = p
	return nil
}

func (f *fakePresence) snapshot() *models.Presence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func TestPresenceMirrorsRegistry(t *testing.T) {
	store := &fakePresence{}
	te := startEngine(t, Config{}, WithPresence(store))

	a := te.join(t, "Client1")
	te.join(t, "Client2")

	require.NoError(t, a.Send("/u alice"))
	expect(t, a, "Server: Success! You will now go by alice.")

	require.Eventually(t, func() bool {
		p := store.snapshot()
		return p != nil && p.Population == 2 &&
			len(p.Members) == 2 && p.Members[0] == "alice" && p.Members[1] == "Client2"
	}, recvTimeout, 10*time.Millisecond)

	assert.Equal(t, te.srv.ID().String(), store.snapshot().EngineID)
}
