// Package dataserv implements the userdata service: the backing store
// games log in to with login_game and players authenticate against. One
// service instance serves any number of games and players over the shared
// RPC protocol; every request carries the caller's channel id as its first
// argument.
package dataserv

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wijnen/userdata/internal/rpc"
)

// Service is the RPC surface of the userdata service.
type Service struct {
	store *Store
	log   *logrus.Logger
	dcids *dcids
}

// New builds a service on top of an opened store.
func New(store *Store, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: store, log: log, dcids: newDCIDs()}
}

// Accept wires an inbound websocket into the service.
func (s *Service) Accept(c *rpc.Conn, query url.Values) {
	cn := &conn{svc: s, rc: c, scopes: make(map[int]string)}
	c.OnRequest(cn.dispatch)
}

// peer is the slice of an RPC connection the service talks back through.
type peer interface {
	Post(method string, args []any, kwargs map[string]any, reply rpc.ReplyFunc) error
	SetName(name string)
}

// conn is one websocket's view of the service: an authenticated game with
// its channel scopes, or a player's browser.
type conn struct {
	svc *Service
	rc  peer

	mu              sync.Mutex
	game            *Game
	allowNewPlayers bool
	scopes          map[int]string
}

func (c *conn) dispatch(method string, args []any, kwargs map[string]any) (any, error) {
	if len(kwargs) > 0 || len(args) < 1 {
		return nil, fmt.Errorf("invalid arguments for %s", method)
	}
	channel, ok := rpc.Int(args[0])
	if !ok {
		return nil, fmt.Errorf("invalid channel for %s", method)
	}
	rest := args[1:]

	switch method {
	case "login_game":
		return c.loginGame(channel, rest)
	case "login_user":
		return c.loginUser(rest)
	case "setup_db":
		return c.setupDB(channel, rest)
	case "create_dcid":
		return c.createDCID(rest)
	case "drop_pending_dcid", "drop_active_dcid":
		return c.dropDCID(rest)
	case "access_managed_player":
		return c.accessManagedPlayer(rest)
	case "login_player":
		return c.loginPlayer(rest)
	case "register_player":
		return c.registerPlayer(rest)
	case "select":
		return c.selectRows(channel, rest)
	case "insert":
		return c.insertRow(channel, rest)
	case "update":
		return c.updateRows(channel, rest)
	}
	return nil, fmt.Errorf("undefined function")
}

// loginGame authenticates a game process and binds its channel to the
// game's storage scope. A credential failure returns false rather than an
// error; the game decides how fatal that is.
func (c *conn) loginGame(channel int, args []any) (any, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("invalid arguments for login_game")
	}
	login, ok0 := rpc.Str(args[0])
	gameName, ok1 := rpc.Str(args[1])
	password, ok2 := rpc.Str(args[2])
	allowNew, ok3 := args[3].(bool)
	if !ok0 || !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("invalid arguments for login_game")
	}

	game, err := c.svc.store.AuthenticateGame(login, gameName, password)
	if err != nil {
		c.svc.log.WithField("game", gameName).Warnf("game login failed: %v", err)
		return false, nil
	}

	c.mu.Lock()
	c.game = game
	c.allowNewPlayers = allowNew
	c.scopes[channel] = gameScope(game.ID)
	c.mu.Unlock()

	c.rc.SetName("game " + gameName)
	c.svc.log.WithField("game", gameName).Info("game logged in")
	return true, nil
}

// loginUser checks a service user's name and password. Bad credentials
// return false rather than an error.
func (c *conn) loginUser(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("invalid arguments for login_user")
	}
	name, ok0 := rpc.Str(args[0])
	password, ok1 := rpc.Str(args[1])
	if !ok0 || !ok1 {
		return nil, fmt.Errorf("invalid arguments for login_user")
	}
	if _, err := c.svc.store.AuthenticateUser(name, password); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *conn) setupDB(channel int, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("invalid arguments for setup_db")
	}
	config, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid arguments for setup_db")
	}
	prefix, err := c.scope(channel)
	if err != nil {
		return nil, err
	}
	if err := c.svc.store.SetupTables(prefix, config); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *conn) createDCID(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("invalid arguments for create_dcid")
	}
	gcid, ok := rpc.Str(args[0])
	if !ok {
		return nil, fmt.Errorf("invalid arguments for create_dcid")
	}
	game := c.loggedInGame()
	if game == nil {
		return nil, fmt.Errorf("not logged in as a game")
	}
	return c.svc.dcids.Create(gcid, game.ID, c), nil
}

func (c *conn) dropDCID(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("invalid arguments for drop dcid")
	}
	dcid, ok := rpc.Str(args[0])
	if !ok {
		return nil, fmt.Errorf("invalid arguments for drop dcid")
	}
	c.svc.dcids.Drop(dcid)
	return nil, nil
}

// accessManagedPlayer records the channel a game will use for one player.
// Managed players map to their own scope; external players get a
// per-channel scratch scope under the game.
func (c *conn) accessManagedPlayer(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("invalid arguments for access_managed_player")
	}
	channel, ok0 := rpc.Int(args[0])
	managedName, ok1 := rpc.Str(args[1])
	if !ok0 || !ok1 || channel == 0 {
		return nil, fmt.Errorf("invalid arguments for access_managed_player")
	}
	game := c.loggedInGame()
	if game == nil {
		return nil, fmt.Errorf("not logged in as a game")
	}

	prefix := fmt.Sprintf("%sc%d_", gameScope(game.ID), channel)
	if managedName != "" {
		player, err := c.svc.store.FindManagedPlayer(game.ID, managedName)
		if err != nil {
			return nil, err
		}
		if player == nil {
			return nil, fmt.Errorf("unknown managed player %q", managedName)
		}
		prefix = managedScope(player.ID)
	}

	c.mu.Lock()
	c.scopes[channel] = prefix
	c.mu.Unlock()
	return nil, nil
}

// loginPlayer authenticates a managed player who presented a dcid and
// hands the session over to the game.
func (c *conn) loginPlayer(args []any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("invalid arguments for login_player")
	}
	dcid, ok0 := rpc.Str(args[0])
	name, ok1 := rpc.Str(args[1])
	password, ok2 := rpc.Str(args[2])
	if !ok0 || !ok1 || !ok2 {
		return nil, fmt.Errorf("invalid arguments for login_player")
	}

	entry, found := c.svc.dcids.Lookup(dcid)
	if !found {
		return false, nil
	}
	player, err := c.svc.store.AuthenticateManagedPlayer(entry.gameID, name, password)
	if err != nil {
		return false, nil
	}

	c.svc.dcids.Activate(dcid)
	c.connectPlayer(entry, player)
	return true, nil
}

// registerPlayer creates a managed player and logs them in, for games that
// enabled allow_new_players.
func (c *conn) registerPlayer(args []any) (any, error) {
	if len(args) != 5 {
		return nil, fmt.Errorf("invalid arguments for register_player")
	}
	dcid, ok0 := rpc.Str(args[0])
	name, ok1 := rpc.Str(args[1])
	fullname, ok2 := rpc.Str(args[2])
	email, ok3 := rpc.Str(args[3])
	password, ok4 := rpc.Str(args[4])
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("invalid arguments for register_player")
	}

	entry, found := c.svc.dcids.Lookup(dcid)
	if !found {
		return false, nil
	}
	entry.game.mu.Lock()
	allowed := entry.game.allowNewPlayers
	entry.game.mu.Unlock()
	if !allowed {
		c.svc.log.WithField("name", name).Warn("rejecting registration: game does not allow new players")
		return false, nil
	}

	player, err := c.svc.store.CreateManagedPlayer(entry.gameID, name, fullname, "", email, password)
	if err != nil {
		c.svc.log.WithField("name", name).Warnf("registration failed: %v", err)
		return false, nil
	}

	c.svc.dcids.Activate(dcid)
	c.connectPlayer(entry, player)
	return true, nil
}

// connectPlayer tells the game a managed player finished logging in.
func (c *conn) connectPlayer(entry *dcidEntry, player *ManagedPlayer) {
	var language any
	if player.Language != "" {
		language = player.Language
	}
	err := entry.game.rc.Post("setup_connect_player", []any{
		1, entry.gcid, player.Name, player.Fullname, language,
	}, nil, nil)
	if err != nil {
		c.svc.log.WithField("name", player.Name).Warnf("handing player to game failed: %v", err)
	}
}

func (c *conn) selectRows(channel int, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("invalid arguments for select")
	}
	table, ok := rpc.Str(args[0])
	if !ok {
		return nil, fmt.Errorf("invalid arguments for select")
	}
	rawCols, ok := args[1].([]any)
	if !ok {
		return nil, fmt.Errorf("invalid arguments for select")
	}
	columns := make([]string, 0, len(rawCols))
	for _, rc := range rawCols {
		col, ok := rpc.Str(rc)
		if !ok {
			return nil, fmt.Errorf("invalid arguments for select")
		}
		columns = append(columns, col)
	}

	prefix, err := c.scope(channel)
	if err != nil {
		return nil, err
	}
	rows, err := c.svc.store.Select(prefix, table, columns)
	if err != nil {
		return nil, err
	}
	// Return as a plain list so the decoder on the other side sees JSON.
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out, nil
}

func (c *conn) insertRow(channel int, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("invalid arguments for insert")
	}
	table, ok0 := rpc.Str(args[0])
	row, ok1 := args[1].(map[string]any)
	if !ok0 || !ok1 {
		return nil, fmt.Errorf("invalid arguments for insert")
	}
	prefix, err := c.scope(channel)
	if err != nil {
		return nil, err
	}
	return nil, c.svc.store.Insert(prefix, table, row)
}

func (c *conn) updateRows(channel int, args []any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("invalid arguments for update")
	}
	table, ok0 := rpc.Str(args[0])
	row, ok1 := args[1].(map[string]any)
	where, ok2 := args[2].(map[string]any)
	if !ok0 || !ok1 || !ok2 {
		return nil, fmt.Errorf("invalid arguments for update")
	}
	prefix, err := c.scope(channel)
	if err != nil {
		return nil, err
	}
	return nil, c.svc.store.Update(prefix, table, row, where)
}

func (c *conn) loggedInGame() *Game {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.game
}

func (c *conn) scope(channel int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix, ok := c.scopes[channel]
	if !ok {
		return "", fmt.Errorf("channel %d has no storage scope", channel)
	}
	return prefix, nil
}

func gameScope(id uint64) string    { return fmt.Sprintf("g%x_", id) }
func managedScope(id uint64) string { return fmt.Sprintf("m%x_", id) }
