package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hushtype/hush-core/internal/events"
)

// Bridge republishes host events onto NATS subjects so out-of-process UI
// surfaces can follow along. Subjects are hush.event.<type>; payloads are
// the JSON event, sequence number included, so a subscriber can detect
// its own gaps and resync over the in-process ring.
type Bridge struct {
	client *Client
	events *events.Bus
	log    *slog.Logger
}

func NewBridge(client *Client, bus *events.Bus, log *slog.Logger) *Bridge {
	return &Bridge{
		client: client,
		events: bus,
		log:    log.With(slog.String("component", "bus-bridge")),
	}
}

// Run forwards events until ctx ends.
func (b *Bridge) Run(ctx context.Context) {
	ch, cancel := b.events.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				b.log.Error("marshal event", slog.String("error", err.Error()))
				continue
			}
			subject := fmt.Sprintf("hush.event.%s", ev.Type)
			if err := b.client.Conn().Publish(subject, data); err != nil {
				b.log.Warn("publish event",
					slog.String("subject", subject),
					slog.String("error", err.Error()))
			}
		}
	}
}
