package inspect

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/control"
	"github.com/go-go-golems/turnstream/pkg/redisstream"
)

type CancelCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &CancelCommand{}

func NewCancelCommand() (*CancelCommand, error) {
	redisLayer, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"cancel",
		cmds.WithShort("Ask the owning server to stop a turn"),
		cmds.WithLong("Publishes a cancel signal. Cancelling a finished or unknown turn is a no-op."),
		cmds.WithFlags(
			fields.New("chat-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Chat of the turn")),
			fields.New("turn-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Turn to cancel")),
		),
		cmds.WithSections(redisLayer),
	)
	return &CancelCommand{CommandDescription: desc}, nil
}

func (c *CancelCommand) Run(ctx context.Context, parsedLayers *values.Values) error {
	s := turnSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, &s); err != nil {
		return err
	}
	key, err := s.key()
	if err != nil {
		return err
	}

	backend, err := openRedisBackend(ctx, parsedLayers)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	if err := control.PublishSignal(ctx, backend.Control(), key, control.Signal{Type: control.SignalCancel}); err != nil {
		return err
	}
	log.Info().Str("component", "cancel").Str("chat_id", key.ChatID).Str("turn_id", key.TurnID).Msg("cancel signal published")
	return nil
}
