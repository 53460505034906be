// The demo command is a minimal game built on the userdata broker. Every
// player gets a counter; bumps are journalled to the player's own storage
// through the per-player data channel.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/wijnen/userdata"
)

func main() {
	flags := userdata.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := flags.Load()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	logger := logrus.New()
	game := &demoGame{log: logger}

	broker, err := userdata.New(cfg, game, &userdata.Options{
		Log: logger,
		PlayerConfig: map[string]any{
			"bumps": map[string]any{
				"amount": "int",
			},
		},
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	broker.SetDisconnectedFunc(func(p userdata.Player) {
		logger.Infof("player %s left", p.(*demoPlayer).name)
	})

	if err := broker.Run(context.Background()); err != nil {
		logger.Fatal(err)
	}
}

type demoGame struct {
	log *logrus.Logger
}

func (g *demoGame) Started(u *userdata.Userdata) {
	g.log.Info("connected to userdata; waiting for players")
}

func (g *demoGame) CreatePlayer(s *userdata.Session) (userdata.Player, error) {
	g.log.Infof("player %s logged in", s.Name())
	return &demoPlayer{session: s, name: s.Name()}, nil
}

type demoPlayer struct {
	session *userdata.Session
	name    string
	count   int
}

func (p *demoPlayer) Published() map[string]userdata.Handler {
	return map[string]userdata.Handler{
		"bump":  p.bump,
		"total": p.total,
	}
}

func (p *demoPlayer) bump(args []any, kwargs map[string]any) (any, error) {
	p.count++
	err := p.session.Data().Post("insert", []any{"bumps", map[string]any{"amount": 1}}, nil, nil)
	if err != nil {
		return nil, err
	}
	return p.count, nil
}

func (p *demoPlayer) total(args []any, kwargs map[string]any) (any, error) {
	return p.count, nil
}
