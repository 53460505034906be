// The userdatad command runs the userdata service: the account store games
// log in to and players authenticate against.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wijnen/userdata/internal/dataserv"
	"github.com/wijnen/userdata/internal/rpc"
)

var configFlag = flag.String("config", "./", "Path to the directory containing the service config file")

func main() {
	flag.Parse()

	config, err := dataserv.LoadConfig(*configFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	logger, err := newLogger(config)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	store, err := dataserv.Open(config.Database.Engine, config.DatabaseDSN(), config.Logging.DatabaseLoggingEnabled)
	if err != nil {
		logger.Fatalf("error opening database: %v", err)
	}

	// Shut down gracefully on Ctrl-C.
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logger.Info("shutting down")
		cancel()
	}()

	service := dataserv.New(store, logger)
	server := &rpc.Server{
		Addr:    config.ListenAddress(),
		HTMLDir: config.HTMLDir,
		Log:     logger,
		Accept:  service.Accept,
	}
	if err := server.ListenAndServe(ctx); err != nil {
		logger.Fatalf("error running service: %v", err)
	}
}

func newLogger(config *dataserv.Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(config.Logging.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	out, err := config.LogWriter()
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	return &logrus.Logger{
		Out: out,
		Formatter: &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		},
		Hooks: make(logrus.LevelHooks),
		Level: level,
	}, nil
}
