package userdata

// Handler is one published method, callable by the player's client.
type Handler func(args []any, kwargs map[string]any) (any, error)

// Player is the embedding game's per-login domain object. The broker
// creates one through Game.CreatePlayer when a session's login completes
// and routes client calls into its published table.
type Player interface {
	// Published returns the table of methods the client may call. The
	// table is consulted on every dispatch, so it may change over a
	// player's lifetime.
	Published() map[string]Handler
}

// Fallback is implemented by players that accept method calls outside
// their published table. Dispatch passes the literal method name through.
type Fallback interface {
	CallFallback(method string, args []any, kwargs map[string]any) (any, error)
}

// Game is the surface the embedding game registers with the broker.
type Game interface {
	// Started runs once the game-data login has completed (and setup_db,
	// if configured). The broker is accepting players by this point.
	Started(u *Userdata)

	// CreatePlayer builds the player object for a session whose login
	// just completed. Returning an error closes the player's websocket.
	CreatePlayer(s *Session) (Player, error)
}
