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

	"github.com/go-go-golems/turnstream/pkg/messages"
	"github.com/go-go-golems/turnstream/pkg/persistence/chatstore"
)

type MessagesCommand struct {
	*cmds.CommandDescription
}

type MessagesSettings struct {
	MessagesDSN string `glazed:"messages-dsn"`
	MessagesDB  string `glazed:"messages-db"`
	ChatID      string `glazed:"chat-id"`
	ResponseID  string `glazed:"response-id"`
	Limit       int    `glazed:"limit"`
}

func NewMessagesCommand() (*MessagesCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"messages",
		cmds.WithShort("List persisted messages of a chat"),
		cmds.WithFlags(
			fields.New("messages-dsn", fields.TypeString, fields.WithDefault(""), fields.WithHelp("SQLite DSN for the message store (preferred over messages-db)")),
			fields.New("messages-db", fields.TypeString, fields.WithDefault(""), fields.WithHelp("SQLite DB file path for the message store")),
			fields.New("chat-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Chat to list")),
			fields.New("response-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Only messages of this turn")),
			fields.New("limit", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Max messages (0 = store default)")),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)
	return &MessagesCommand{CommandDescription: desc}, nil
}

func (c *MessagesCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &MessagesSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	dsn, err := resolveMessagesDSN(s)
	if err != nil {
		return err
	}
	store, err := chatstore.NewSQLiteMessageStore(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	msgs, err := store.ListMessages(ctx, chatstore.MessageQuery{
		ChatID:     strings.TrimSpace(s.ChatID),
		ResponseID: strings.TrimSpace(s.ResponseID),
		Limit:      s.Limit,
	})
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := gp.AddRow(ctx, messageRow(m)); err != nil {
			return err
		}
	}
	return nil
}

func messageRow(m messages.Message) types.Row {
	row := types.NewRow(
		types.MRP("id", m.ID),
		types.MRP("response_id", m.ResponseID),
		types.MRP("role", string(m.Role)),
		types.MRP("text", m.Text()),
		types.MRP("parts", len(m.Content)),
		types.MRP("model", m.Model),
		types.MRP("created_at", m.CreatedAt),
	)
	if m.Usage != nil {
		row.Set("total_tokens", m.Usage.TotalTokens)
	}
	if kind, msg, ok := messages.ParseErrorMetadata(m.ProviderMetadata); ok {
		row.Set("error_type", string(kind))
		row.Set("error", msg)
	}
	return row
}

func resolveMessagesDSN(s *MessagesSettings) (string, error) {
	if s == nil {
		return "", errors.New("messages settings are nil")
	}
	if v := strings.TrimSpace(s.MessagesDSN); v != "" {
		return v, nil
	}
	if strings.TrimSpace(s.MessagesDB) == "" {
		return "", errors.New("message store not configured (set --messages-dsn or --messages-db)")
	}
	return chatstore.SQLiteMessageDSNForFile(s.MessagesDB)
}

var _ cmds.GlazeCommand = &MessagesCommand{}
