// Package inspect holds the operator commands that talk to a Redis-backed deployment:
// listing active turns, replaying or cancelling a turn, and reading persisted messages.
package inspect

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnstream/pkg/redisstream"
	"github.com/go-go-golems/turnstream/pkg/server"
	"github.com/go-go-golems/turnstream/pkg/streamlog"
)

var turnsCmd = &cobra.Command{
	Use:   "turns",
	Short: "Inspect, replay and cancel turns",
}

func AddToRootCommand(root *cobra.Command) {
	activeCmd, err := NewActiveCommand()
	cobra.CheckErr(err)
	cobraActiveCmd, err := cli.BuildCobraCommand(activeCmd)
	cobra.CheckErr(err)

	replayCmd, err := NewReplayCommand()
	cobra.CheckErr(err)
	cobraReplayCmd, err := cli.BuildCobraCommand(replayCmd)
	cobra.CheckErr(err)

	cancelCmd, err := NewCancelCommand()
	cobra.CheckErr(err)
	cobraCancelCmd, err := cli.BuildCobraCommand(cancelCmd)
	cobra.CheckErr(err)

	messagesCmd, err := NewMessagesCommand()
	cobra.CheckErr(err)
	cobraMessagesCmd, err := cli.BuildCobraCommand(messagesCmd)
	cobra.CheckErr(err)

	turnsCmd.AddCommand(cobraActiveCmd, cobraReplayCmd, cobraCancelCmd, cobraMessagesCmd)
	root.AddCommand(turnsCmd)
}

// openRedisBackend builds the shared stream backend. A process-local backend would never
// see another process's turns, so Redis is required here.
func openRedisBackend(ctx context.Context, parsed *values.Values) (*server.StreamBackend, error) {
	rs := redisstream.Settings{}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &rs); err != nil {
		return nil, errors.Wrap(err, "parse redis settings")
	}
	if !rs.Enabled {
		return nil, errors.New("this command needs a shared backend (set --redis-enabled)")
	}
	return server.NewStreamBackend(ctx, rs, server.BackendOptions{})
}

type turnSettings struct {
	ChatID string `glazed:"chat-id"`
	TurnID string `glazed:"turn-id"`
}

func (s turnSettings) key() (streamlog.TurnKey, error) {
	key := streamlog.TurnKey{ChatID: strings.TrimSpace(s.ChatID), TurnID: strings.TrimSpace(s.TurnID)}
	if err := key.Validate(); err != nil {
		return streamlog.TurnKey{}, err
	}
	return key, nil
}
