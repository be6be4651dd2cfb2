package server

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnstream/pkg/turn"
)

// Settings are decoded from the default section of the serve command.
type Settings struct {
	Addr string `glazed:"addr"`
	// Message store configuration. Use either:
	// - messages-dsn (preferred; full sqlite DSN)
	// - messages-db (file path; DSN derived)
	// Neither keeps messages in memory.
	MessagesDSN string `glazed:"messages-dsn"`
	MessagesDB  string `glazed:"messages-db"`

	StreamTTLSeconds       int `glazed:"stream-ttl-seconds"`
	HeartbeatSeconds       int `glazed:"heartbeat-seconds"`
	StaleAfterSeconds      int `glazed:"stale-after-seconds"`
	EvictIntervalSeconds   int `glazed:"evict-interval-seconds"`
	ShutdownTimeoutSeconds int `glazed:"shutdown-timeout-seconds"`
	EchoDelayMs            int `glazed:"echo-delay-ms"`
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func (s Settings) StreamTTL() time.Duration { return seconds(s.StreamTTLSeconds, turn.DefaultTTL) }
func (s Settings) HeartbeatInterval() time.Duration {
	return seconds(s.HeartbeatSeconds, turn.DefaultHeartbeatInterval)
}
func (s Settings) ShutdownTimeout() time.Duration {
	return seconds(s.ShutdownTimeoutSeconds, 30*time.Second)
}

// OpenMessageStore returns a SQLite store when a DSN or file is configured, an in-memory
// store otherwise.
func OpenMessageStore(s Settings) (chatstore.MessageStore, error) {
	if dsn := strings.TrimSpace(s.MessagesDSN); dsn != "" {
		store, err := chatstore.NewSQLiteMessageStore(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open message store (dsn)")
		}
		return store, nil
	}
	if p := strings.TrimSpace(s.MessagesDB); p != "" {
		if dir := filepath.Dir(p); dir != "" && dir != "." {
			_ = os.MkdirAll(dir, 0755)
		}
		dsn, err := chatstore.SQLiteMessageDSNForFile(p)
		if err != nil {
			return nil, errors.Wrap(err, "build message store DSN")
		}
		store, err := chatstore.NewSQLiteMessageStore(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open message store (file)")
		}
		return store, nil
	}
	return chatstore.NewInMemoryMessageStore(), nil
}
