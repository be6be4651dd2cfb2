package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "redis"

// Control transports selectable with control-transport.
const (
	ControlTransportPubSub  = "pubsub"
	ControlTransportStreams = "streams"
)

// Settings holds Redis configuration for the stream log, control channel and registry.
type Settings struct {
	Enabled          bool   `glazed:"redis-enabled" glazed.default:"false" glazed.help:"Use Redis for stream logs, control signals and the active-turn registry"`
	Addr             string `glazed:"redis-addr" glazed.default:"localhost:6379" glazed.help:"Redis address host:port"`
	Password         string `glazed:"redis-password" glazed.default:"" glazed.help:"Redis password"`
	DB               int    `glazed:"redis-db" glazed.default:"0" glazed.help:"Redis database number"`
	ControlTransport string `glazed:"control-transport" glazed.default:"pubsub" glazed.help:"Control signal transport: pubsub (PUBLISH/SUBSCRIBE) or streams (Watermill Redis Streams)"`
}

// NewParameterLayer returns a section definition for Redis settings.
func NewParameterLayer() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis configuration for turn streaming",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Use Redis for stream logs, control signals and the active-turn registry")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault("localhost:6379"), fields.WithHelp("Redis address host:port")),
			fields.New("redis-password", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis password")),
			fields.New("redis-db", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Redis database number")),
			fields.New("control-transport", fields.TypeChoice, fields.WithChoices(ControlTransportPubSub, ControlTransportStreams), fields.WithDefault(ControlTransportPubSub), fields.WithHelp("Control signal transport")),
		),
	)
}
