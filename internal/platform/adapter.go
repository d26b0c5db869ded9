package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tjfontaine/qnabot/internal/domain"
)

// Turn exposes one inbound message to the bot.
type Turn interface {
	Text() string
	ChannelID() string
	ConversationID() string
	SendReply(ctx context.Context, text string) error
}

// TurnHandler processes one turn. The bot implements it; the adapter calls it.
type TurnHandler interface {
	OnTurn(ctx context.Context, turn Turn) error
}

// TurnHandlerFunc adapts a function to TurnHandler.
type TurnHandlerFunc func(ctx context.Context, turn Turn) error

// OnTurn calls f.
func (f TurnHandlerFunc) OnTurn(ctx context.Context, turn Turn) error {
	return f(ctx, turn)
}

// Sender delivers a reply activity back to the channel.
type Sender interface {
	SendActivity(ctx context.Context, serviceURL string, reply *Activity) error
}

// Adapter authenticates inbound activities and dispatches message activities
// to a TurnHandler.
type Adapter struct {
	auth   Authenticator
	sender Sender
	logger *slog.Logger
}

// NewAdapter creates an adapter. A nil authenticator accepts every request.
func NewAdapter(auth Authenticator, sender Sender, logger *slog.Logger) *Adapter {
	if auth == nil {
		auth = NoAuth{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{auth: auth, sender: sender, logger: logger}
}

// ProcessActivity authenticates authHeader, then invokes handler once if the
// activity is a message. Other activity types are acknowledged and dropped.
// Every failure is returned as an AdapterError.
func (a *Adapter) ProcessActivity(ctx context.Context, act *Activity, authHeader string, handler TurnHandler) error {
	if act == nil {
		return domain.ErrAdapter("process activity", fmt.Errorf("nil activity"))
	}
	if err := a.auth.Authenticate(ctx, authHeader, act); err != nil {
		return domain.ErrAdapter("authenticate request", err)
	}

	if act.Type != ActivityTypeMessage {
		a.logger.Debug("ignoring activity",
			slog.String("type", act.Type),
			slog.String("channel_id", act.ChannelID),
		)
		return nil
	}

	turn := &turnContext{activity: act, sender: a.sender}
	if err := handler.OnTurn(ctx, turn); err != nil {
		return domain.ErrAdapter("process turn", err)
	}
	return nil
}

// turnContext is the Turn handed to the bot for one message activity.
type turnContext struct {
	activity *Activity
	sender   Sender
}

func (t *turnContext) Text() string           { return t.activity.Text }
func (t *turnContext) ChannelID() string      { return t.activity.ChannelID }
func (t *turnContext) ConversationID() string { return t.activity.Conversation.ID }

// SendReply posts text into the conversation as a reply to the inbound activity.
func (t *turnContext) SendReply(ctx context.Context, text string) error {
	if t.sender == nil {
		return fmt.Errorf("no reply sender configured")
	}

	reply := &Activity{
		Type:         ActivityTypeMessage,
		ID:           uuid.New().String(),
		ChannelID:    t.activity.ChannelID,
		ServiceURL:   t.activity.ServiceURL,
		From:         t.activity.Recipient,
		Recipient:    t.activity.From,
		Conversation: t.activity.Conversation,
		Text:         text,
		TextFormat:   "plain",
		Locale:       t.activity.Locale,
		ReplyToID:    t.activity.ID,
	}

	return t.sender.SendActivity(ctx, t.activity.ServiceURL, reply)
}
