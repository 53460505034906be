package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// AcceptFunc is invoked for every websocket accepted by a Server, before
// the connection's read loop starts. The callback installs the handlers
// the connection needs; query carries the request's URL query parameters.
type AcceptFunc func(c *Conn, query url.Values)

// Server owns one listening port. Websocket upgrade requests become RPC
// connections; any other request is served from the static directory, if
// one is configured.
type Server struct {
	Addr    string
	HTMLDir string
	Log     *logrus.Logger
	Accept  AcceptFunc

	upgrader websocket.Upgrader
	files    http.Handler
}

// Handler returns the HTTP handler serving this server's websocket and
// static traffic.
func (s *Server) Handler() http.Handler {
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	// Browser clients connect from pages served by other origins.
	s.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	if s.HTMLDir != "" {
		s.files = http.FileServer(http.Dir(s.HTMLDir))
	}
	return http.HandlerFunc(s.handle)
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	handler := s.Handler()

	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.Log.Infof("waiting for connections on %v", listener.Addr())
	err = srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		if s.files != nil {
			s.files.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warnf("failed to accept connection: %v", err)
		return
	}

	c := newConn(ws, s.Log)
	c.SetName(r.RemoteAddr)

	defer s.closeConnectionAndRecover(c)

	if s.Accept != nil {
		s.Accept(c, r.URL.Query())
	}
	c.Serve()
}

// Catch any panics from connection handlers and drop the connection
// regardless of the state it was left in.
func (s *Server) closeConnectionAndRecover(c *Conn) {
	if err := recover(); err != nil {
		s.Log.Errorf("error in connection handling: %s: %s\n%s", c.Name(), err, debug.Stack())
	}
	_ = c.Close()
}

// Dial opens a client RPC connection. The caller installs handlers and then
// calls Start to begin the read loop.
func Dial(ctx context.Context, rawURL string, log *logrus.Logger) (*Conn, error) {
	wsURL, err := websocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	c := newConn(ws, log)
	c.SetName(rawURL)
	return c, nil
}

// websocketURL maps http(s) schemes onto ws(s), leaving ws(s) untouched.
func websocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}
