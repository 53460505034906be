package userdata

import (
	"strings"

	"github.com/wijnen/userdata/internal/token"
)

// Session is one player-facing websocket: first the login handshake, then,
// once a userdata has vouched for the player, the conduit between the
// client and the embedder's Player object.
//
// All mutable fields are guarded by the broker's lock. The broker owns the
// session and keeps it in its sessions map under the gcid; the transport's
// request and close handlers are bound to the session directly.
type Session struct {
	u     *Userdata
	conn  link
	index int

	// key is the gcid the session was created with. Unlike gcid it
	// survives revocation, so the closing path can still find the
	// session in the broker's map.
	key string

	gcid        string
	dcid        string
	name        string
	managedName string
	language    string
	player      Player
	data        *Access
}

// newSession mints a unique gcid, registers the session as pending, and
// schedules the second construction stage.
func (u *Userdata) newSession(conn link, index int) *Session {
	s := &Session{u: u, conn: conn, index: index}

	u.mu.Lock()
	gcid := token.New()
	for u.pending[gcid] != nil || u.active[gcid] != nil {
		gcid = token.New()
	}
	s.key = gcid
	s.gcid = gcid
	u.pending[gcid] = s
	u.sessions[gcid] = s
	u.mu.Unlock()

	conn.SetName("player login " + gcid)
	go s.finishInit(false)
	return s
}

// GCID returns the session's game-side token, or "" after revocation.
func (s *Session) GCID() string { return s.str(&s.gcid) }

// Name returns the player's display name; empty until login completes.
func (s *Session) Name() string { return s.str(&s.name) }

// ManagedName returns the local account name for managed players.
func (s *Session) ManagedName() string { return s.str(&s.managedName) }

// Language returns the player's reported language preference, verbatim.
func (s *Session) Language() string { return s.str(&s.language) }

// ServiceIndex returns the index of the listening port that accepted this
// session's websocket.
func (s *Session) ServiceIndex() int { return s.index }

// Data returns the access handle into the player's userdata; nil until
// login completes.
func (s *Session) Data() *Access {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	return s.data
}

// Player returns the embedder's object for this session; nil while the
// session is anonymous.
func (s *Session) Player() Player {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	return s.player
}

// Post sends an event to the player's client.
func (s *Session) Post(method string, args []any, kwargs map[string]any) error {
	return s.conn.Post(method, args, kwargs, nil)
}

func (s *Session) str(field *string) string {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	return *field
}

// finishInit is the second stage of session construction, re-run on
// logout. It fetches a dcid when local logins are enabled and tells the
// client how it may log in.
func (s *Session) finishInit(loggedOut bool) {
	u := s.u
	cfg := u.cfg

	reportedGCID := ""
	if !cfg.NoAllowOther {
		reportedGCID = s.GCID()
	}

	dcid := ""
	if cfg.AllowLocal {
		gameData := u.GameData()
		if gameData == nil {
			u.log.WithField("gcid", s.key).Warn("game data connection not ready; dropping player")
			_ = s.conn.Close()
			return
		}
		result, err := gameData.Call(u.ctx, "create_dcid", []any{s.key}, nil)
		if err != nil {
			u.log.WithField("gcid", s.key).Warnf("create_dcid failed: %v", err)
			_ = s.conn.Close()
			return
		}
		dcid, _ = result.(string)

		// The websocket may have closed while we waited for the reply;
		// the session is then already revoked and nobody else will
		// release this dcid.
		u.mu.Lock()
		if s.gcid == "" {
			u.mu.Unlock()
			_ = gameData.Post("drop_pending_dcid", []any{dcid}, nil, nil)
			return
		}
		s.dcid = dcid
		u.mu.Unlock()
	}

	settings := map[string]any{
		"allow-local": cfg.AllowLocal,
		"allow-other": !cfg.NoAllowOther,
	}
	if cfg.AllowLocal {
		local := cfg.DefaultUserdata
		if local == "" {
			local = cfg.DataURL
		}
		settings["local-userdata"] = local
	}
	if loggedOut {
		settings["logout"] = true
	}
	if cfg.AllowNewPlayers {
		settings["allow-new-players"] = true
	}

	err := s.conn.Post("userdata_setup", []any{
		strings.TrimSpace(cfg.DefaultUserdata),
		cfg.GameURL,
		settings,
		reportedGCID,
		dcid,
	}, nil, nil)
	if err != nil {
		u.log.WithField("gcid", s.key).Warnf("sending userdata_setup failed: %v", err)
	}
}

// setupPlayer finishes login for both managed and external players. The
// session has already been promoted and its identity fields filled.
func (s *Session) setupPlayer() error {
	u := s.u

	if len(u.playerConfig) > 0 {
		if _, err := s.Data().Call(u.ctx, "setup_db", []any{u.playerConfig}, nil); err != nil {
			u.log.WithField("gcid", s.key).Warnf("player setup_db failed: %v", err)
			_ = s.conn.Close()
			return err
		}
	}

	player, err := u.game.CreatePlayer(s)
	if err != nil || player == nil {
		u.log.WithField("gcid", s.key).Warn("unable to set up player settings; disconnecting")
		_ = s.conn.Close()
		if err == nil {
			err = ErrBadArguments
		}
		return err
	}

	u.mu.Lock()
	s.player = player
	name, managed := s.name, s.managedName
	u.mu.Unlock()

	_ = s.conn.Post("userdata_setup", []any{
		nil,
		nil,
		map[string]any{"name": name, "managed": managed},
	}, nil, nil)

	if cb := u.connectedFn; cb != nil {
		cb(s)
	}
	return nil
}

// dispatch routes an inbound request: the session's own published table
// first, then the player's table, then the player's fallback.
func (s *Session) dispatch(method string, args []any, kwargs map[string]any) (any, error) {
	if method == "userdata_logout" {
		return s.userdataLogout()
	}

	player := s.Player()
	if player == nil {
		return nil, ErrAnonymousUser
	}
	if h, ok := player.Published()[method]; ok {
		return h(args, kwargs)
	}
	if fb, ok := player.(Fallback); ok {
		return fb.CallFallback(method, args, kwargs)
	}
	return nil, ErrUndefinedFunction
}

// userdataLogout drops the player object and shows the client the login
// prompt again.
//
// TODO: also tear down the session's userdata channel; it currently stays
// open until the websocket closes.
func (s *Session) userdataLogout() (any, error) {
	s.u.log.WithField("gcid", s.key).Debug("logout")
	s.u.mu.Lock()
	s.player = nil
	s.u.mu.Unlock()
	s.finishInit(true)
	return nil, nil
}

// revokeLinks releases the session's tokens: the gcid from whichever table
// it is in, and the dcid on the game-data side.
func (s *Session) revokeLinks() {
	u := s.u

	u.mu.Lock()
	gcid, dcid, name := s.gcid, s.dcid, s.name
	if gcid != "" {
		if name == "" {
			delete(u.pending, gcid)
		} else {
			delete(u.active, gcid)
		}
		s.gcid = ""
	}
	s.dcid = ""
	u.mu.Unlock()

	if dcid != "" {
		if gameData := u.GameData(); gameData != nil {
			if name == "" {
				_ = gameData.Post("drop_pending_dcid", []any{dcid}, nil, nil)
			} else {
				_ = gameData.Post("drop_active_dcid", []any{dcid}, nil, nil)
			}
		}
	}
}

// closed runs when the session's websocket dies. It is the sole deleter of
// the session.
func (s *Session) closed() {
	s.revokeLinks()

	u := s.u
	u.mu.Lock()
	delete(u.sessions, s.key)
	player := s.player
	s.player = nil
	u.mu.Unlock()

	if player != nil && u.disconnectedFn != nil {
		u.disconnectedFn(player)
	}
}
