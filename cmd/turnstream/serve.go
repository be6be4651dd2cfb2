package main

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/redisstream"
	"github.com/go-go-golems/turnstream/pkg/server"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &ServeCommand{}

func NewServeCommand() (*ServeCommand, error) {
	redisLayer, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build redis layer")
	}

	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Serve the turn streaming HTTP API"),
		cmds.WithLong(`Start turns with POST /chat/{chat_id}, resume them with POST /chat/{chat_id}/resume
or the websocket at /chat/{chat_id}/resume/ws, and cancel them with POST /chat/{chat_id}/cancel_stream.

Without --redis-enabled every turn lives in process memory.`),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString, fields.WithDefault(":8080"), fields.WithHelp("HTTP listen address")),
			fields.New("messages-dsn", fields.TypeString, fields.WithDefault(""), fields.WithHelp("SQLite DSN for the message store (preferred over messages-db)")),
			fields.New("messages-db", fields.TypeString, fields.WithDefault(""), fields.WithHelp("SQLite DB file path for the message store (DSN derived with WAL/busy_timeout)")),
			fields.New("stream-ttl-seconds", fields.TypeInteger, fields.WithDefault(300), fields.WithHelp("Seconds a finished turn log stays replayable")),
			fields.New("heartbeat-seconds", fields.TypeInteger, fields.WithDefault(30), fields.WithHelp("Seconds between active-turn registry heartbeats")),
			fields.New("stale-after-seconds", fields.TypeInteger, fields.WithDefault(120), fields.WithHelp("Seconds without heartbeat before an active-turn record is dropped")),
			fields.New("evict-interval-seconds", fields.TypeInteger, fields.WithDefault(30), fields.WithHelp("Seconds between sweeps of the in-memory registry")),
			fields.New("shutdown-timeout-seconds", fields.TypeInteger, fields.WithDefault(30), fields.WithHelp("Seconds to wait for in-flight turns on shutdown")),
			fields.New("echo-delay-ms", fields.TypeInteger, fields.WithDefault(50), fields.WithHelp("Delay between words of the built-in echo model")),
		),
		cmds.WithSections(redisLayer),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsed *values.Values) error {
	srv, err := server.NewServer(ctx, parsed, nil)
	if err != nil {
		return err
	}
	log.Info().Str("component", "serve").Msg("starting turnstream server")
	return srv.Run(ctx)
}
