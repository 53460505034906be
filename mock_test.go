package userdata

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wijnen/userdata/internal/rpc"
)

// mockCall is one request recorded by a mockLink.
type mockCall struct {
	method string
	args   []any
	kwargs map[string]any
}

// mockLink is an in-process transport. Replies are scripted per method;
// unscripted methods succeed with a nil result.
type mockLink struct {
	mu      sync.Mutex
	name    string
	calls   []mockCall
	replies map[string]func(args []any) (any, error)
	closed  bool
}

func newMockLink() *mockLink {
	return &mockLink{replies: make(map[string]func(args []any) (any, error))}
}

func (m *mockLink) reply(method string, fn func(args []any) (any, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[method] = fn
}

func (m *mockLink) record(method string, args []any, kwargs map[string]any) func(args []any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{method: method, args: args, kwargs: kwargs})
	return m.replies[method]
}

func (m *mockLink) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	fn := m.record(method, args, kwargs)
	if fn == nil {
		return nil, nil
	}
	return fn(args)
}

func (m *mockLink) Post(method string, args []any, kwargs map[string]any, reply rpc.ReplyFunc) error {
	fn := m.record(method, args, kwargs)
	if reply != nil {
		var result any
		var err error
		if fn != nil {
			result, err = fn(args)
		}
		reply(result, err)
	}
	return nil
}

func (m *mockLink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockLink) SetName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
}

func (m *mockLink) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *mockLink) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// callsTo returns every recorded request for a method.
func (m *mockLink) callsTo(method string) []mockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockCall
	for _, c := range m.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

// waitForCalls polls until the method has been requested n times.
func (m *mockLink) waitForCalls(t *testing.T, method string, n int) []mockCall {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls := m.callsTo(method); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d calls to %s; got %d", n, method, len(m.callsTo(method)))
	return nil
}

// testPlayer is a minimal embedder player with a scripted method table.
type testPlayer struct {
	session   *Session
	published map[string]Handler
}

func (p *testPlayer) Published() map[string]Handler { return p.published }

// fallbackPlayer also accepts unpublished methods.
type fallbackPlayer struct {
	testPlayer
	fallbackCalls []string
}

func (p *fallbackPlayer) CallFallback(method string, args []any, kwargs map[string]any) (any, error) {
	p.fallbackCalls = append(p.fallbackCalls, method)
	return "fallback:" + method, nil
}

// testGame records broker callbacks and produces testPlayers.
type testGame struct {
	mu         sync.Mutex
	started    int
	created    []*testPlayer
	failCreate bool
	makePlayer func(s *Session) Player
}

func (g *testGame) Started(u *Userdata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started++
}

func (g *testGame) CreatePlayer(s *Session) (Player, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreate {
		return nil, fmt.Errorf("no player for you")
	}
	if g.makePlayer != nil {
		return g.makePlayer(s), nil
	}
	p := &testPlayer{session: s, published: map[string]Handler{}}
	g.created = append(g.created, p)
	return p, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func testConfig() *Config {
	return &Config{
		DataURL:       "http://data.example:8879",
		DataWebsocket: "ws://data.example:8879/websocket",
		Game:          "testgame",
		Login:         "gamedev",
		Password:      "secret",
		GameURL:       "http://game.example:7000",
		GamePorts:     []string{"7000"},
		AllowLocal:    true,
		NoAllowOther:  true,
	}
}

// newTestBroker assembles a broker whose game-data account rides a mock
// transport, as if login_game had just succeeded on channel 1.
func newTestBroker(t *testing.T, cfg *Config) (*Userdata, *mockLink, *testGame) {
	t.Helper()
	instantiated.Store(false)
	t.Cleanup(func() { instantiated.Store(false) })

	game := &testGame{}
	u, err := New(cfg, game, &Options{Log: quietLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	u.ctx = context.Background()

	gameData := newMockLink()
	u.mu.Lock()
	u.gameData = newAccess(gameData, u.allocChannelLocked())
	u.mu.Unlock()
	return u, gameData, game
}

// tableState reports which token tables hold a gcid.
func tableState(u *Userdata, gcid string) (pending, active bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, pending = u.pending[gcid]
	_, active = u.active[gcid]
	return
}
