package sink

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/devblac/mint-watch/internal/config"
)

// New builds the sender for a configured sink.
func New(ctx context.Context, cfg config.Sink) (Sender, error) {
	switch strings.ToLower(cfg.Type) {
	case "slack":
		return NewSlackSender(cfg.WebhookURL, cfg.Template)
	case "teams":
		return NewTeamsSender(cfg.WebhookURL, cfg.Template)
	case "webhook":
		return NewWebhookSender(cfg.URL, cfg.Method, cfg.Template, map[string]string{
			"Content-Type": "application/json",
		})
	case "kafka":
		return NewKafkaSender(cfg.Brokers, cfg.Topic)
	case "postgres":
		return NewPostgresSender(ctx, cfg.DSN, cfg.Table)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

// BuildAll builds every configured sink keyed by id.
func BuildAll(ctx context.Context, cfgs []config.Sink) (map[string]Sender, error) {
	out := make(map[string]Sender, len(cfgs))
	for _, c := range cfgs {
		s, err := New(ctx, c)
		if err != nil {
			CloseAll(out)
			return nil, fmt.Errorf("sink %s: %w", c.ID, err)
		}
		out[c.ID] = s
	}
	return out, nil
}

// CloseAll releases senders that hold connections.
func CloseAll(senders map[string]Sender) {
	for _, s := range senders {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
