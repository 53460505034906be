// Package userdata mediates authenticated access to per-player persistent
// storage for a multiplayer game.
//
// A game instantiates one Userdata. The broker logs the game in to its own
// userdata service, listens for player websockets, and runs the handshake
// that ends with every logged-in player owning a dedicated channel on a
// userdata transport. Managed players log in through the game's own
// service; external players bring their own.
package userdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/wijnen/userdata/internal/rpc"
)

// Only one broker may exist per process; the configuration layer and the
// session tables assume it.
var instantiated atomic.Bool

// Options tunes broker construction beyond the userdata configuration.
type Options struct {
	// Log receives all broker logging; defaults to the logrus standard
	// logger.
	Log *logrus.Logger
	// DBConfig is passed to the game-data service's setup_db right
	// after login, when non-empty.
	DBConfig map[string]any
	// PlayerConfig is passed to setup_db on every player's data channel
	// when a player logs in, when non-empty.
	PlayerConfig map[string]any
	// HTMLDir is served over HTTP next to the websocket endpoints.
	// Defaults to "html".
	HTMLDir string
}

// Userdata is the broker: it owns the game-data connection, the listening
// endpoints, and every player session.
type Userdata struct {
	cfg          *Config
	log          *logrus.Logger
	game         Game
	dbConfig     map[string]any
	playerConfig map[string]any
	htmlDir      string

	ctx  context.Context
	fail context.CancelCauseFunc

	mu          sync.Mutex
	gameData    *Access
	nextChannel int
	pending     map[string]*Session
	active      map[string]*Session
	sessions    map[string]*Session
	userdatas   map[*userdataConn]struct{}

	connectedFn    func(*Session)
	disconnectedFn func(Player)
}

// New builds a broker for the given configuration and game. Only one
// broker may be created per process.
func New(cfg *Config, game Game, opts *Options) (*Userdata, error) {
	if cfg == nil || game == nil {
		return nil, errors.New("userdata: configuration and game are required")
	}
	if !cfg.UserdataSetup {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if instantiated.Swap(true) {
		return nil, errors.New("userdata: a broker already exists in this process")
	}

	if opts == nil {
		opts = &Options{}
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	htmlDir := opts.HTMLDir
	if htmlDir == "" {
		htmlDir = "html"
	}

	return &Userdata{
		cfg:          cfg,
		log:          log,
		game:         game,
		dbConfig:     opts.DBConfig,
		playerConfig: opts.PlayerConfig,
		htmlDir:      htmlDir,
		nextChannel:  1,
		pending:      make(map[string]*Session),
		active:       make(map[string]*Session),
		sessions:     make(map[string]*Session),
		userdatas:    make(map[*userdataConn]struct{}),
	}, nil
}

// Config returns the policy the broker runs with.
func (u *Userdata) Config() *Config { return u.cfg }

// GameData returns the access handle for the game's own storage account,
// or nil before login completes.
func (u *Userdata) GameData() *Access {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gameData
}

// SetConnectedFunc registers a callback invoked after a player's login
// completes.
func (u *Userdata) SetConnectedFunc(cb func(*Session)) { u.connectedFn = cb }

// SetDisconnectedFunc registers a callback invoked when a logged-in
// player's websocket closes.
func (u *Userdata) SetDisconnectedFunc(cb func(Player)) { u.disconnectedFn = cb }

// Run connects to the game-data service, starts a listener per configured
// game port, and blocks until the context is cancelled or the game-data
// connection is lost. In setup mode it runs the configuration generator
// and exits the process instead.
func (u *Userdata) Run(ctx context.Context) error {
	if u.cfg.UserdataSetup {
		if err := RunSetup(ctx, u.cfg, os.Stdin, os.Stdout, u.log); err != nil {
			return err
		}
		os.Exit(0)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	u.ctx = ctx
	u.fail = cancel
	defer cancel(nil)

	if err := u.connectGameData(); err != nil {
		return err
	}

	for i, port := range u.cfg.GamePorts {
		srv := &rpc.Server{
			Addr:    net.JoinHostPort("", port),
			HTMLDir: u.htmlDir,
			Log:     u.log,
			Accept:  u.acceptFunc(i),
		}
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				cancel(fmt.Errorf("listener on %s: %w", srv.Addr, err))
			}
		}()
	}

	<-ctx.Done()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// acceptFunc demultiplexes inbound websockets on listener index: handshake
// query parameters mean a userdata delivering a player, anything else is a
// fresh player session.
func (u *Userdata) acceptFunc(index int) rpc.AcceptFunc {
	return func(c *rpc.Conn, query url.Values) {
		channelParam := query.Get("channel")
		gcid := query.Get("gcid")
		name := query.Get("name")
		if channelParam == "" || gcid == "" || name == "" {
			s := u.newSession(c, index)
			c.OnRequest(s.dispatch)
			c.OnClosed(s.closed)
			return
		}

		channel, err := strconv.Atoi(channelParam)
		if err != nil {
			u.log.Warnf("invalid channel %q in query string", channelParam)
			_ = c.Close()
			return
		}
		language := "" // TODO: take this from the Accept-Language header.
		uc := u.newUserdataConn(c, channel, name, language, gcid)
		c.OnRequest(uc.dispatch)
		c.OnClosed(uc.closed)
	}
}

// allocChannelLocked hands out the next channel id. Ids are strictly
// increasing and never reused; the first one (1) goes to the game-data
// account.
func (u *Userdata) allocChannelLocked() int {
	ch := u.nextChannel
	u.nextChannel++
	return ch
}
