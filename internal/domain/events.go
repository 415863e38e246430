package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

type EventType string

// Outbound events pushed to connections.
const (
	EventNewMessage         EventType = "NEW_MESSAGE"
	EventNewMessageAlert    EventType = "NEW_MESSAGE_ALERT"
	EventTypingStart        EventType = "TYPING_START"
	EventTypingStop         EventType = "TYPING_STOP"
	EventMemberJoined       EventType = "MEMBER_JOINED"
	EventMemberLeft         EventType = "MEMBER_LEFT"
	EventOnlineUsersChanged EventType = "ONLINE_USERS_CHANGED"
	EventNewAttachment      EventType = "NEW_ATTACHMENT"
	EventAlert              EventType = "ALERT"
	EventRefetchChats       EventType = "REFETCH_CHATS"
	EventNewFriendRequest   EventType = "NEW_FRIEND_REQUEST"

	// EventError is only ever written to the connection that caused it.
	EventError EventType = "ERROR"
)

// Inbound events a client may emit.
const (
	ClientSendMessage EventType = "NEW_MESSAGE"
	ClientTypingStart EventType = "TYPING_START"
	ClientTypingStop  EventType = "TYPING_STOP"
	ClientChatJoined  EventType = "CHAT_JOINED"
	ClientChatLeft    EventType = "CHAT_LEFT"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type NewMessagePayload struct {
	ChatID  uuid.UUID `json:"chatId"`
	Message *Message  `json:"message"`
}

type ChatPayload struct {
	ChatID uuid.UUID `json:"chatId"`
}

type TypingPayload struct {
	ChatID   uuid.UUID `json:"chatId"`
	SenderID uuid.UUID `json:"senderId"`
}

type OnlineUsersPayload struct {
	ChatID      *uuid.UUID  `json:"chatId,omitempty"`
	OnlineUsers []uuid.UUID `json:"onlineUsers"`
}

type MemberPayload struct {
	ChatID   uuid.UUID `json:"chatId"`
	MemberID uuid.UUID `json:"memberId"`
}

type AlertPayload struct {
	ChatID  *uuid.UUID `json:"chatId,omitempty"`
	Message string     `json:"message"`
}

type FriendRequestPayload struct {
	RequestID uuid.UUID `json:"requestId"`
	Sender    Sender    `json:"sender"`
}

type ErrorPayload struct {
	Event   EventType `json:"event,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// SendMessageRequest is the client payload for NEW_MESSAGE.
type SendMessageRequest struct {
	ChatID  uuid.UUID   `json:"chatId"`
	Content string      `json:"content"`
	Members []uuid.UUID `json:"members,omitempty"`
}
