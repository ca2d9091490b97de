// Package channels implements optional outbound notification sinks that
// subscribe to bus events and relay them to external chat platforms. The
// core never blocks on a channel: delivery failures are logged, never
// propagated back to the queue/swarm operation that published the event.
package channels

import (
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/swarmqueue/internal/bus"
)

// TelegramNotifier relays task.completed and task.failed events to a
// fixed set of allowed Telegram chat ids. It is a consumer of the bus,
// not a participant in dispatch: no task, session, or memory service
// calls through it.
type TelegramNotifier struct {
	bot        *tgbotapi.BotAPI
	allowedIDs []int64
	log        *slog.Logger

	mu   sync.Mutex
	subs []*bus.Subscription
}

// NewTelegramNotifier constructs a notifier from a bot token. The token
// is validated against the Telegram API immediately, matching the
// teacher's fail-fast construction.
func NewTelegramNotifier(token string, allowedIDs []int64, log *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("channels: telegram: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &TelegramNotifier{bot: bot, allowedIDs: allowedIDs, log: log}, nil
}

// Start subscribes to task completion and failure events and relays
// each to every allowed chat id until Stop is called.
func (n *TelegramNotifier) Start(eventBus *bus.Bus) {
	completed := eventBus.Subscribe(bus.TopicTaskCompleted)
	failed := eventBus.Subscribe(bus.TopicTaskFailed)

	n.mu.Lock()
	n.subs = append(n.subs, completed, failed)
	n.mu.Unlock()

	go n.relay(completed, "✅ task completed")
	go n.relay(failed, "❌ task failed")
}

func (n *TelegramNotifier) relay(sub *bus.Subscription, prefix string) {
	for evt := range sub.Ch() {
		change, ok := evt.Payload.(bus.TaskStateChangedEvent)
		if !ok {
			continue
		}
		text := fmt.Sprintf("%s: %s", prefix, change.TaskID)
		for _, chatID := range n.allowedIDs {
			msg := tgbotapi.NewMessage(chatID, text)
			if _, err := n.bot.Send(msg); err != nil {
				n.log.Warn("channels: telegram send failed", "chat_id", chatID, "err", err)
			}
		}
	}
}

// Stop unsubscribes from the bus; in-flight sends are not awaited.
func (n *TelegramNotifier) Stop(eventBus *bus.Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		eventBus.Unsubscribe(sub)
	}
	n.subs = nil
}
