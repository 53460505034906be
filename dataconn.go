package userdata

import (
	"fmt"

	"github.com/wijnen/userdata/internal/rpc"
)

// userdataConn is a connection to a userdata service. The game-data
// variant is dialed once at startup and carries the game's own storage
// account; the player variant is accepted whenever a userdata contacts the
// game to hand over an authenticated player.
type userdataConn struct {
	u          *Userdata
	conn       link
	isGameData bool
}

// connectGameData dials the configured userdata service and starts the
// game login. Transport loss or a rejected login stops the broker.
func (u *Userdata) connectGameData() error {
	conn, err := rpc.Dial(u.ctx, u.cfg.DataWebsocket, u.log)
	if err != nil {
		return fmt.Errorf("connecting to game userdata: %w", err)
	}

	c := &userdataConn{u: u, conn: conn, isGameData: true}
	conn.SetName("game userdata")
	conn.OnRequest(c.dispatchGameData)
	conn.OnClosed(func() {
		u.fail(fmt.Errorf("game data connection closed"))
	})
	conn.OnError(func(err error) {
		u.log.Errorf("error from game data server: %v", err)
		u.fail(err)
	})
	conn.Start()

	err = conn.Post("login_game", []any{
		1, u.cfg.Login, u.cfg.Game, u.cfg.Password, u.cfg.AllowNewPlayers,
	}, nil, c.gameLoginDone)
	if err != nil {
		return fmt.Errorf("sending game login: %w", err)
	}
	return nil
}

func (c *userdataConn) gameLoginDone(result any, err error) {
	u := c.u
	if err != nil {
		u.log.Errorf("login to game data failed: %v", err)
		u.fail(err)
		return
	}
	if ok, _ := result.(bool); !ok {
		u.log.Error("failed to log in")
		u.fail(ErrLoginFailed)
		return
	}

	u.mu.Lock()
	u.gameData = newAccess(c.conn, u.allocChannelLocked())
	u.mu.Unlock()

	if len(u.dbConfig) > 0 {
		err := u.GameData().Post("setup_db", []any{u.dbConfig}, nil, c.finishGameLogin)
		if err != nil {
			u.fail(err)
		}
		return
	}
	c.finishGameLogin(nil, nil)
}

func (c *userdataConn) finishGameLogin(result any, err error) {
	u := c.u
	if err != nil {
		u.log.Errorf("game setup_db failed: %v", err)
		u.fail(err)
		return
	}
	// Inform the game that the connection is active.
	u.game.Started(u)
}

// dispatchGameData handles calls the game-data service makes back to the
// game.
func (c *userdataConn) dispatchGameData(method string, args []any, kwargs map[string]any) (any, error) {
	switch method {
	case "setup_connect_player":
		return c.setupConnectPlayer(args, kwargs)
	}
	return nil, ErrUndefinedFunction
}

// setupConnectPlayer reports a successful login of a managed player. The
// data channel for the player rides the game-data transport.
func (c *userdataConn) setupConnectPlayer(args []any, kwargs map[string]any) (any, error) {
	u := c.u
	if len(kwargs) > 0 || len(args) != 5 {
		u.log.Warnf("invalid arguments for setup_connect_player: %v", args)
		return nil, ErrBadArguments
	}
	gameChannel, ok0 := rpc.Int(args[0])
	gcid, ok1 := rpc.Str(args[1])
	managedName, ok2 := rpc.Str(args[2])
	name, ok3 := rpc.Str(args[3])
	// FIXME: split the language list and pick the first supported entry.
	language, ok4 := rpc.OptStr(args[4])
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 || gameChannel != 1 {
		u.log.Warnf("invalid arguments for setup_connect_player: %v", args)
		return nil, ErrBadArguments
	}

	u.mu.Lock()
	newChannel := u.allocChannelLocked()
	u.mu.Unlock()

	if err := c.setupConnectImpl(newChannel, name, managedName, language, gcid); err != nil {
		return nil, err
	}
	return nil, nil
}

// newUserdataConn handles an accepted websocket carrying handshake query
// parameters: a userdata service delivering an authenticated player.
func (u *Userdata) newUserdataConn(conn link, channel int, name, language, gcid string) *userdataConn {
	c := &userdataConn{u: u, conn: conn}
	conn.SetName("userdata for " + name + " / " + gcid)

	u.mu.Lock()
	u.userdatas[c] = struct{}{}
	u.mu.Unlock()

	// The handshake can also arrive as a setup_connect call on a
	// connection that already serves another player.
	go func() {
		if err := c.setupConnectImpl(channel, name, "", language, gcid); err != nil {
			u.log.Warnf("userdata handoff for %q failed: %v", gcid, err)
		}
	}()
	return c
}

// dispatch handles calls from a player-userdata service.
func (c *userdataConn) dispatch(method string, args []any, kwargs map[string]any) (any, error) {
	switch method {
	case "setup_connect":
		return c.setupConnect(args, kwargs)
	}
	return nil, ErrUndefinedFunction
}

// setupConnect connects an external player over this userdata connection.
func (c *userdataConn) setupConnect(args []any, kwargs map[string]any) (any, error) {
	u := c.u
	if len(kwargs) > 0 || len(args) != 4 {
		u.log.Warn("invalid arguments for setup_connect")
		return nil, ErrBadArguments
	}
	channel, ok0 := rpc.Int(args[0])
	name, ok1 := rpc.Str(args[1])
	language, ok2 := rpc.Str(args[2])
	gcid, ok3 := rpc.Str(args[3])
	if !ok0 || !ok1 || !ok2 || !ok3 {
		u.log.Warn("invalid arguments for setup_connect")
		return nil, ErrBadArguments
	}
	if err := c.setupConnectImpl(channel, name, "", language, gcid); err != nil {
		return nil, err
	}
	return nil, nil
}

// setupConnectImpl binds a userdata connection to a pending session: it
// registers the channel with the game's storage, promotes the session from
// pending to active, installs the data handle, and finishes player setup.
//
// The promotion, the identity fill, and the handle install happen under
// one lock acquisition so no observer sees the gcid in both tables, or in
// neither.
func (c *userdataConn) setupConnectImpl(newChannel int, name, managedName, language, gcid string) error {
	u := c.u

	if newChannel == 0 {
		u.log.Warn("invalid channel 0 in handshake")
		return fmt.Errorf("%w: channel 0", ErrBadArguments)
	}
	// An active session is recognised by its non-empty name.
	if name == "" {
		u.log.Warn("empty player name in handshake")
		return fmt.Errorf("%w: empty player name", ErrBadArguments)
	}

	gameData := u.GameData()
	if gameData == nil {
		return fmt.Errorf("game data connection not ready")
	}

	// Tell the game's storage about the channel before the session is
	// touched; a failure here must leave the session pending.
	_, err := gameData.Call(u.ctx, "access_managed_player", []any{newChannel, managedName}, nil)
	if err != nil {
		return fmt.Errorf("access_managed_player: %w", err)
	}

	u.mu.Lock()
	s, ok := u.pending[gcid]
	if !ok {
		u.mu.Unlock()
		u.log.Warn("invalid gcid in query string")
		return ErrInvalidGCID
	}
	if s.data != nil {
		u.mu.Unlock()
		return fmt.Errorf("session %q already has a data channel", gcid)
	}
	delete(u.pending, gcid)
	u.active[gcid] = s
	s.data = newAccess(c.conn, newChannel)
	s.name = name
	s.managedName = managedName
	s.language = language
	u.mu.Unlock()

	return s.setupPlayer()
}

// closed runs when a player-userdata websocket dies. Sessions served by it
// stay alive; their data handles simply start failing.
func (c *userdataConn) closed() {
	u := c.u
	u.mu.Lock()
	delete(u.userdatas, c)
	u.mu.Unlock()
}
