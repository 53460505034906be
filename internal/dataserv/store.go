package dataserv

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wijnen/userdata/internal/lang"
)

var (
	ErrInvalidCredentials = errors.New("username/password combination not found")
	ErrDuplicateName      = errors.New("name already exists")
)

// User is an account on the userdata service. Users own games and remote
// player registrations.
type User struct {
	ID       uint64 `gorm:"primaryKey"`
	Name     string `gorm:"unique;not null"`
	Fullname string `gorm:"not null"`
	Password string `gorm:"not null"`
	Email    string `gorm:"not null"`
}

// Game is a storage account a game process logs in to with login_game.
type Game struct {
	ID       uint64 `gorm:"primaryKey"`
	UserID   uint64 `gorm:"not null"`
	Name     string `gorm:"not null"`
	Fullname string
	Password string `gorm:"not null"`
}

// ManagedPlayer is a player whose credentials live in a game's own
// storage account.
type ManagedPlayer struct {
	ID       uint64 `gorm:"primaryKey"`
	GameID   uint64 `gorm:"not null"`
	Name     string `gorm:"not null"`
	Fullname string
	Language string
	Password string `gorm:"not null"`
	Email    string
}

// RemotePlayer is a user's registration with an external game, kept so the
// service can offer a default identity per game URL.
type RemotePlayer struct {
	ID        uint64 `gorm:"primaryKey"`
	UserID    uint64 `gorm:"not null"`
	URL       string `gorm:"not null"`
	Name      string `gorm:"not null"`
	Fullname  string
	Language  string
	IsDefault bool
}

// Store wraps the service's database.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database engine and migrates the
// account tables.
func Open(engine, dsn string, debug bool) (*Store, error) {
	// By default only log errors but enable full SQL query prints with
	// debug mode.
	log := logger.Default.LogMode(logger.Error)
	if debug {
		log = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch engine {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database engine %q", engine)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := db.AutoMigrate(&User{}, &Game{}, &ManagedPlayer{}, &RemotePlayer{}); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}

	return &Store{db: db}, nil
}

// HashPassword returns the service's stored form of a password.
func HashPassword(password string) string {
	hash := sha256.New()
	hash.Write([]byte(password))
	return hex.EncodeToString(hash.Sum(nil))
}

// CreateUser registers a new user account.
func (s *Store) CreateUser(name, fullname, email, password string) (*User, error) {
	user := &User{Name: name, Fullname: fullname, Email: email, Password: HashPassword(password)}
	if err := s.db.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// CreateGame registers a game under a user account.
func (s *Store) CreateGame(userID uint64, name, fullname, password string) (*Game, error) {
	var count int64
	if err := s.db.Model(&Game{}).Where("user_id = ? AND name = ?", userID, name).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrDuplicateName
	}
	game := &Game{UserID: userID, Name: name, Fullname: fullname, Password: HashPassword(password)}
	if err := s.db.Create(game).Error; err != nil {
		return nil, err
	}
	return game, nil
}

// CreateManagedPlayer registers a managed player under a game. The
// language preference is stored in canonical form.
func (s *Store) CreateManagedPlayer(gameID uint64, name, fullname, language, email, password string) (*ManagedPlayer, error) {
	var count int64
	if err := s.db.Model(&ManagedPlayer{}).Where("game_id = ? AND name = ?", gameID, name).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrDuplicateName
	}
	player := &ManagedPlayer{
		GameID:   gameID,
		Name:     name,
		Fullname: fullname,
		Language: lang.Canonical(language),
		Email:    email,
		Password: HashPassword(password),
	}
	if err := s.db.Create(player).Error; err != nil {
		return nil, err
	}
	return player, nil
}

// AuthenticateGame checks login_game credentials: the owning user's name,
// the game name under that user, and the game password.
func (s *Store) AuthenticateGame(login, game, password string) (*Game, error) {
	var user User
	err := s.db.Where("name = ?", login).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	var g Game
	err = s.db.Where("user_id = ? AND name = ?", user.ID, game).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if g.Password != HashPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return &g, nil
}

// AuthenticateUser checks a user's credentials.
func (s *Store) AuthenticateUser(name, password string) (*User, error) {
	var user User
	err := s.db.Where("name = ?", name).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if user.Password != HashPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// AuthenticateManagedPlayer checks a managed player's credentials within
// one game.
func (s *Store) AuthenticateManagedPlayer(gameID uint64, name, password string) (*ManagedPlayer, error) {
	var player ManagedPlayer
	err := s.db.Where("game_id = ? AND name = ?", gameID, name).First(&player).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if player.Password != HashPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return &player, nil
}

// FindManagedPlayer looks a managed player up by name, returning nil when
// there is no match.
func (s *Store) FindManagedPlayer(gameID uint64, name string) (*ManagedPlayer, error) {
	var player ManagedPlayer
	err := s.db.Where("game_id = ? AND name = ?", gameID, name).First(&player).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &player, nil
}

// identPattern guards every name that ends up inside SQL.
var identPattern = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z_0-9$]*$`)

func validIdent(name string) bool { return identPattern.MatchString(name) }

// columnTypes is the vocabulary games may use in setup_db table specs.
var columnTypes = map[string]string{
	"int":      "INTEGER",
	"float":    "REAL",
	"text":     "TEXT",
	"bool":     "BOOLEAN",
	"datetime": "DATETIME",
}

// SetupTables creates the tables described by a setup_db configuration
// inside one scope. The configuration maps table names to column
// specifications (column name to type keyword). Existing tables are left
// alone.
func (s *Store) SetupTables(prefix string, config map[string]any) error {
	// Sort for deterministic creation order.
	names := make([]string, 0, len(config))
	for name := range config {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !validIdent(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
		spec, ok := config[name].(map[string]any)
		if !ok {
			return fmt.Errorf("table %q: specification is not a map", name)
		}

		cols := make([]string, 0, len(spec))
		colNames := make([]string, 0, len(spec))
		for col := range spec {
			colNames = append(colNames, col)
		}
		sort.Strings(colNames)
		for _, col := range colNames {
			if !validIdent(col) {
				return fmt.Errorf("table %q: invalid column name %q", name, col)
			}
			kind, _ := spec[col].(string)
			sqlType, ok := columnTypes[strings.ToLower(kind)]
			if !ok {
				return fmt.Errorf("table %q: invalid column type %q", name, kind)
			}
			cols = append(cols, col+" "+sqlType)
		}

		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s%s (%s)", prefix, name, strings.Join(cols, ", "))
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("creating table %s%s: %w", prefix, name, err)
		}
	}
	return nil
}

// Select returns the requested columns of every row in a scoped table.
func (s *Store) Select(prefix, table string, columns []string) ([]map[string]any, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	for _, col := range columns {
		if !validIdent(col) {
			return nil, fmt.Errorf("invalid column name %q", col)
		}
	}
	var rows []map[string]any
	err := s.db.Table(prefix+table).Select(columns).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert adds one row to a scoped table.
func (s *Store) Insert(prefix, table string, row map[string]any) error {
	if !validIdent(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	for col := range row {
		if !validIdent(col) {
			return fmt.Errorf("invalid column name %q", col)
		}
	}
	return s.db.Table(prefix + table).Create(row).Error
}

// Update modifies the rows of a scoped table matched by where.
func (s *Store) Update(prefix, table string, row, where map[string]any) error {
	if !validIdent(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	for col := range row {
		if !validIdent(col) {
			return fmt.Errorf("invalid column name %q", col)
		}
	}
	for col := range where {
		if !validIdent(col) {
			return fmt.Errorf("invalid column name %q", col)
		}
	}
	return s.db.Table(prefix+table).Where(where).Updates(row).Error
}
