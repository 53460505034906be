package dataserv

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the
// userdata service daemon.
type Config struct {
	// Hostname or IP address on which the service will listen.
	Hostname string `mapstructure:"hostname"`
	// Port for the websocket and web endpoint.
	Port int `mapstructure:"port"`
	// Directory with the account-management web interface. Blank
	// disables static serving.
	HTMLDir string `mapstructure:"html_dir"`

	Database struct {
		// Engine selects the backing store: sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// Filename of the sqlite database.
		Filename string `mapstructure:"filename"`
		// Connection parameters for the postgres engine.
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Name     string `mapstructure:"name"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Logging struct {
		// Minimum level of a log required to be written. Options:
		// debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Full path to file to which logs will be written. Blank
		// writes to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"logging"`
}

const envVarPrefix = "USERDATA"

// LoadConfig initializes Viper with the contents of the config file under
// configPath.
func LoadConfig(configPath string) (*Config, error) {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	viper.SetDefault("hostname", "localhost")
	viper.SetDefault("port", 8879)
	viper.SetDefault("database.engine", "sqlite")
	viper.SetDefault("database.filename", "userdata.db")
	viper.SetDefault("logging.log_level", "info")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Defaults cover a missing file.
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

// DatabaseDSN returns the connection string for the configured engine.
func (c *Config) DatabaseDSN() string {
	if c.Database.Engine == "sqlite" {
		return c.Database.Filename
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// ListenAddress returns the host:port pair the daemon binds.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// LogWriter returns where daemon logs go, opening the configured file if
// there is one.
func (c *Config) LogWriter() (*os.File, error) {
	if c.Logging.LogFilePath == "" {
		return os.Stdout, nil
	}
	return os.OpenFile(c.Logging.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
