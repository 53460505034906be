package userdata

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"

	"github.com/wijnen/userdata/internal/rpc"
	"github.com/wijnen/userdata/internal/token"
)

// Config holds the userdata policy a game runs with. It is normally built
// by Flags.Load from userdata.ini plus commandline overrides.
type Config struct {
	// Where players are sent to manage their account.
	DataURL string
	// Where the game connects for its own storage account.
	DataWebsocket string
	// Credentials for login_game.
	Game     string
	Login    string
	Password string
	// Address players use to reach the game; sent during login.
	GameURL string
	// Ports the game listens on. Derived from GameURL when absent.
	GamePorts []string
	// Userdata offered to players by default; empty selects local login.
	DefaultUserdata string
	AllowLocal      bool
	NoAllowOther    bool
	AllowNewPlayers bool
	// Run the interactive configuration generator and exit.
	UserdataSetup bool

	// Path the configuration was (or will be) read from.
	Path       string
	fileExists bool
}

// Validate checks the policy for coherence: with no default userdata to
// send players to, local logins are the only option and must be allowed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DefaultUserdata) == "" && !c.AllowLocal {
		return fmt.Errorf("incoherent userdata policy: default-userdata is empty and allow-local is disabled")
	}
	return nil
}

var configKeys = map[string]bool{
	"data-url": true, "data-websocket": true, "game": true, "login": true,
	"password": true, "game-url": true, "game-port": true,
	"default-userdata": true, "allow-local": true, "no-allow-others": true,
	"allow-new-players": true,
}

// LoadConfig reads a userdata.ini file: `key = value` lines, `#` comments,
// a repeatable game-port key, and 0/1/true/false booleans. Unknown keys
// are logged and skipped.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Path: path}

	file, err := ini.LoadSources(ini.LoadOptions{
		AllowShadows:             true,
		SpaceBeforeInlineComment: true,
	}, path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading userdata configuration: %w", err)
	}
	cfg.fileExists = true

	sec := file.Section("")
	for _, key := range sec.Keys() {
		if !configKeys[key.Name()] {
			logrus.Warnf("ignoring unknown key %q in userdata config %s", key.Name(), path)
		}
	}

	cfg.DataURL = sec.Key("data-url").String()
	cfg.DataWebsocket = sec.Key("data-websocket").String()
	cfg.Game = sec.Key("game").String()
	cfg.Login = sec.Key("login").String()
	cfg.Password = sec.Key("password").String()
	cfg.GameURL = sec.Key("game-url").String()
	if sec.HasKey("game-port") {
		cfg.GamePorts = sec.Key("game-port").ValueWithShadows()
	}
	cfg.DefaultUserdata = sec.Key("default-userdata").String()

	bools := []struct {
		key  string
		dest *bool
	}{
		{"allow-local", &cfg.AllowLocal},
		{"no-allow-others", &cfg.NoAllowOther},
		{"allow-new-players", &cfg.AllowNewPlayers},
	}
	for _, b := range bools {
		if !sec.HasKey(b.key) {
			continue
		}
		v, err := parseBool(sec.Key(b.key).String())
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", b.key, err)
		}
		*b.dest = v
	}

	return cfg, nil
}

func parseBool(src string) (bool, error) {
	switch strings.ToLower(src) {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool value in userdata configuration: %q", src)
}

// Flags holds the userdata commandline options. A flag overrides its file
// value only when the user actually supplied it.
type Flags struct {
	fs              *pflag.FlagSet
	path            *string
	defaultUserdata *string
	allowLocal      *bool
	noAllowOther    *bool
	allowNewPlayers *bool
	setup           *bool
}

// RegisterFlags adds the userdata options to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	return &Flags{
		fs:              fs,
		path:            fs.String("userdata", "userdata.ini", "name of file containing userdata url, login name, game name and password"),
		defaultUserdata: fs.String("default-userdata", "", "default servers for users to connect to (empty string for locally managed)"),
		allowLocal:      fs.Bool("allow-local", false, "allow locally managed users"),
		noAllowOther:    fs.Bool("no-allow-other", false, "do not allow a non-default userdata server"),
		allowNewPlayers: fs.Bool("allow-new-players", false, "allow registering new locally managed users"),
		setup:           fs.Bool("userdata-setup", false, "set up the userdata configuration and exit"),
	}
}

// Load reads the configuration file and applies commandline overrides.
// A missing file is fatal unless the generator was requested.
func (f *Flags) Load() (*Config, error) {
	cfg, err := LoadConfig(*f.path)
	if err != nil {
		return nil, err
	}
	if !cfg.fileExists && !*f.setup {
		return nil, fmt.Errorf("no userdata configuration found at %s", *f.path)
	}

	if f.fs.Changed("default-userdata") {
		cfg.DefaultUserdata = *f.defaultUserdata
	}
	if f.fs.Changed("allow-local") {
		cfg.AllowLocal = *f.allowLocal
	}
	if f.fs.Changed("no-allow-other") {
		cfg.NoAllowOther = *f.noAllowOther
	}
	if f.fs.Changed("allow-new-players") {
		cfg.AllowNewPlayers = *f.allowNewPlayers
	}
	cfg.UserdataSetup = *f.setup

	if len(cfg.GamePorts) == 0 && !cfg.UserdataSetup {
		port, err := portFromURL(cfg.GameURL)
		if err != nil {
			return nil, fmt.Errorf("no game-port configured and none derivable from game-url: %w", err)
		}
		cfg.GamePorts = []string{port}
	}

	return cfg, nil
}

func portFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if port := u.Port(); port != "" {
		return port, nil
	}
	switch u.Scheme {
	case "http", "ws":
		return "80", nil
	case "https", "wss":
		return "443", nil
	}
	return "", fmt.Errorf("no port in url %q", rawURL)
}

// RunSetup interactively generates the userdata configuration file and
// writes it to cfg.Path. The websocket address and credentials are
// verified by connecting and logging in before anything is written.
func RunSetup(ctx context.Context, cfg *Config, in io.Reader, out io.Writer, log *logrus.Logger) error {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "Generating userdata configuration in %s\n", cfg.Path)
	if cfg.fileExists {
		fmt.Fprintln(out, "Userdata configuration found, so updating. Press enter to continue, or ctrl-c to abort.")
		if _, err := reader.ReadString('\n'); err != nil && err != io.EOF {
			return err
		}
	}

	prompt := func(label, current string) (string, error) {
		fmt.Fprintf(out, "%s. Default: %s\n", label, current)
		reply, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		reply = strings.TrimSpace(reply)
		if reply == "" {
			return current, nil
		}
		return reply, nil
	}

	for {
		var err error
		if cfg.DataURL == "" {
			cfg.DataURL = "http://localhost:8879"
		}
		if cfg.DataURL, err = prompt("Enter URL of userdata for players to connect to", cfg.DataURL); err != nil {
			return err
		}
		if cfg.DataWebsocket == "" {
			cfg.DataWebsocket = cfg.DataURL + "/websocket"
		}
		if cfg.DataWebsocket, err = prompt("Enter URL of userdata websocket for game to connect to", cfg.DataWebsocket); err != nil {
			return err
		}

		if cfg.Login, err = prompt("Enter login name on userdata", cfg.Login); err != nil {
			return err
		}
		if cfg.Game, err = prompt("Enter game name on userdata", cfg.Game); err != nil {
			return err
		}
		if cfg.Password, err = prompt("Enter game password. Leave empty to generate new", cfg.Password); err != nil {
			return err
		}
		if cfg.Password == "" {
			cfg.Password = token.New()
		}

		conn, err := rpc.Dial(ctx, cfg.DataWebsocket, log)
		if err != nil {
			fmt.Fprintf(out, "Unable to connect to userdata websocket. Please try again: %v\n", err)
			continue
		}
		conn.Start()
		ok, err := conn.Call(ctx, "login_game", []any{1, cfg.Login, cfg.Game, cfg.Password, cfg.AllowNewPlayers}, nil)
		_ = conn.Close()
		if err != nil {
			fmt.Fprintf(out, "Unable to log in to userdata. Please try again: %v\n", err)
			continue
		}
		if accepted, _ := ok.(bool); !accepted {
			fmt.Fprintln(out, "Userdata rejected the game login. Please try again.")
			continue
		}
		break
	}

	return writeConfig(cfg)
}

func writeConfig(cfg *Config) error {
	var b strings.Builder
	fmt.Fprintf(&b, "data-url = %s\n", cfg.DataURL)
	fmt.Fprintf(&b, "data-websocket = %s\n", cfg.DataWebsocket)
	fmt.Fprintf(&b, "game = %s\n", cfg.Game)
	fmt.Fprintf(&b, "login = %s\n", cfg.Login)
	fmt.Fprintf(&b, "password = %s\n", cfg.Password)
	if cfg.GameURL != "" {
		fmt.Fprintf(&b, "game-url = %s\n", cfg.GameURL)
	}
	for _, port := range cfg.GamePorts {
		fmt.Fprintf(&b, "game-port = %s\n", port)
	}
	fmt.Fprintf(&b, "default-userdata = %s\n", cfg.DefaultUserdata)
	fmt.Fprintf(&b, "allow-local = %t\n", cfg.AllowLocal)
	fmt.Fprintf(&b, "no-allow-others = %t\n", cfg.NoAllowOther)
	fmt.Fprintf(&b, "allow-new-players = %t\n", cfg.AllowNewPlayers)
	return os.WriteFile(cfg.Path, []byte(b.String()), 0o600)
}
