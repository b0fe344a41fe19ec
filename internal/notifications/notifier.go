package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// LikeUpdatesChannel carries like toggle events between instances.
const LikeUpdatesChannel = "likes:updates"

// LikeEvent is the wire format published to Redis after a toggle commits.
// UserID identifies who toggled; it is stripped before the event reaches
// websocket clients and only used to exclude the trigger from delivery.
type LikeEvent struct {
	PostID    uint  `json:"post_id"`
	LikeCount int64 `json:"like_count"`
	UserID    uint  `json:"user_id"`
}

// ClientPayload renders the event as sent to websocket clients. Values go
// out as strings for frontend compatibility.
func (e LikeEvent) ClientPayload() (string, error) {
	payload := map[string]string{
		"post_id":    strconv.FormatUint(uint64(e.PostID), 10),
		"like_count": strconv.FormatInt(e.LikeCount, 10),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// Notifier provides helpers to publish like updates into Redis channels
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// PublishLikeUpdate sends a like event to the shared updates channel.
// Without Redis the event goes nowhere; callers that also hold the Hub
// should fall back to a local broadcast in that case.
func (n *Notifier) PublishLikeUpdate(ctx context.Context, event LikeEvent) error {
	if n.rdb == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.rdb.Publish(ctx, LikeUpdatesChannel, data).Err()
}

// HasTransport reports whether a Redis connection backs this notifier.
func (n *Notifier) HasTransport() bool {
	return n.rdb != nil
}

// StartLikeSubscriber subscribes to the like updates channel and calls
// onEvent for each decoded event.
func (n *Notifier) StartLikeSubscriber(
	ctx context.Context, onEvent func(event LikeEvent),
) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.Subscribe(ctx, LikeUpdatesChannel)
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in LikeSubscriber: %v\n%s", r, debug.Stack())
						}
					}()
					var event LikeEvent
					if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
						log.Printf("invalid like event payload: %v", err)
						return
					}
					onEvent(event)
				}()
			}
		}
	}()

	return nil
}
