package inspect

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/redisstream"
)

type ActiveCommand struct {
	*cmds.CommandDescription
}

type ActiveSettings struct {
	ChatID string `glazed:"chat-id"`
}

func NewActiveCommand() (*ActiveCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	redisLayer, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"active",
		cmds.WithShort("List the in-flight turns of a chat"),
		cmds.WithFlags(
			fields.New("chat-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Chat to list")),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer, redisLayer),
	)
	return &ActiveCommand{CommandDescription: desc}, nil
}

func (c *ActiveCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ActiveSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	chatID := strings.TrimSpace(s.ChatID)
	if chatID == "" {
		return errors.New("chat-id is required")
	}

	backend, err := openRedisBackend(ctx, parsedLayers)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	recs, err := backend.Registry().List(ctx, chatID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		row := types.NewRow(
			types.MRP("turn_id", rec.TurnID),
			types.MRP("started_at", rec.StartedAt),
			types.MRP("heartbeat_at", rec.HeartbeatAt),
			types.MRP("message", string(rec.Message)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ActiveCommand{}
