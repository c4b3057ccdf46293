package commander

import "context"

// Commander is the chat source the dispatcher polls and replies through.
type Commander interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// ActionTyping shows the "typing…" indicator in the chat.
const ActionTyping = "typing"

// Update represents an incoming update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a source message.
type Message struct {
	MessageID int64   `json:"message_id"`
	Chat      Chat    `json:"chat"`
	From      *User   `json:"from,omitempty"`
	Text      *string `json:"text,omitempty"`
	Date      int64   `json:"date"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the message author.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}
