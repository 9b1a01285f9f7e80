package presence

import (
	"log/slog"

	"github.com/haasonsaas/pulse/internal/events"
	"github.com/haasonsaas/pulse/pkg/models"
)

// Sender delivers one event to one user. *Registry implements it.
type Sender interface {
	Send(userID string, ev events.Event) bool
}

// Notifier turns message and typing activity from other parts of the system
// into push events. Delivery is best-effort and never reports errors.
type Notifier struct {
	sender Sender
	logger *slog.Logger
}

// NewNotifier returns a notifier delivering through sender.
func NewNotifier(sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, logger: logger.With("component", "notifier")}
}

// NotifyNewMessage pushes new-message to the recipient and echoes
// message-sent to the sender. It reports whether the recipient got it.
func (n *Notifier) NotifyNewMessage(msg models.Message) bool {
	delivered := n.sender.Send(msg.RecipientID, events.NewMessage{SenderID: msg.SenderID, Message: msg})
	if !n.sender.Send(msg.SenderID, events.MessageSent{Message: msg}) {
		n.logger.Debug("message echo dropped", "message_id", msg.ID, "sender_id", msg.SenderID)
	}
	return delivered
}

// NotifyTyping pushes the sender's typing state to the recipient.
func (n *Notifier) NotifyTyping(senderID, recipientID string, isTyping bool) bool {
	if senderID == "" || recipientID == "" || senderID == recipientID {
		return false
	}
	return n.sender.Send(recipientID, events.Typing{SenderID: senderID, IsTyping: isTyping})
}
