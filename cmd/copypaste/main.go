package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/client"
	"github.com/manpreetbhatti/copypaste/internal/config"
	"github.com/manpreetbhatti/copypaste/internal/logging"
	"github.com/manpreetbhatti/copypaste/internal/room"
	"github.com/manpreetbhatti/copypaste/internal/session"
)

const flushTimeout = 15 * time.Second

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configFile string
	serverURL  string
	verbose    bool

	logger  *zap.Logger
	cleanup func()
}

func (a *app) init(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("server") {
		a.serverURL = cfg.Client.ServerURL
	}

	level := "warn"
	if a.verbose {
		level = "debug"
	}
	a.logger, a.cleanup, err = logging.New(logging.Options{Level: level, File: cfg.Log.File, Console: true})
	return err
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

func (a *app) store() (*client.Store, error) {
	return client.NewStore(a.serverURL, client.WithLogger(a.logger))
}

// open joins roomID. Live sessions also follow the change feed.
func (a *app) open(ctx context.Context, roomID string, live bool) (*session.Session, error) {
	s, err := a.store()
	if err != nil {
		return nil, err
	}

	cfg := session.Config{Store: s, Logger: a.logger}
	if live {
		f, err := client.NewFeed(a.serverURL, client.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		cfg.Feed = f
	}
	return session.NewController(cfg).Open(ctx, roomID)
}

// finish persists pending edits and leaves the room.
func finish(s *session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	_, flushErr := s.Flush(ctx)
	closeErr := s.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to save %s: %w", s.RoomID(), flushErr)
	}
	return closeErr
}

func roomArg(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("room id required")
	}
	if _, err := room.Parse(args[0]); err != nil {
		return fmt.Errorf("%q: %w", args[0], err)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:               "copypaste",
		Short:             "Share a live text document with anyone who knows the room id",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.init,
		PersistentPostRun: func(cmd *cobra.Command, args []string) { a.close() },
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file")
	root.PersistentFlags().StringVarP(&a.serverURL, "server", "s", "http://localhost:8080", "copypaste server url")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRoomCmd(a),
		getCmd(a),
		putCmd(a),
		clearCmd(a),
		copyCmd(a),
		joinCmd(a),
		watchCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "copypaste:", err)
		os.Exit(1)
	}
}
