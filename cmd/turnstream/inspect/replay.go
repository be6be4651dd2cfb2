package inspect

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/frames"
	"github.com/go-go-golems/turnstream/pkg/redisstream"
	"github.com/go-go-golems/turnstream/pkg/resume"
)

// ReplayCommand prints a turn as data-stream frames, following it until it ends.
type ReplayCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = &ReplayCommand{}

func NewReplayCommand() (*ReplayCommand, error) {
	redisLayer, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"replay",
		cmds.WithShort("Replay a turn from its stream log"),
		cmds.WithFlags(
			fields.New("chat-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Chat of the turn")),
			fields.New("turn-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Turn to replay")),
		),
		cmds.WithSections(redisLayer),
	)
	return &ReplayCommand{CommandDescription: desc}, nil
}

func (c *ReplayCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
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

	reader, err := resume.NewReader(backend.Log(), backend.Control())
	if err != nil {
		return err
	}
	if err := reader.Resume(ctx, key, frames.NewLineWriter(w)); err != nil {
		if errors.Is(err, resume.ErrUnknownTurn) {
			return errors.Errorf("turn %s does not exist or has expired", key.TurnID)
		}
		return err
	}
	return nil
}
