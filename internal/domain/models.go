package domain

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Chat struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	GroupChat bool        `json:"group_chat"`
	CreatorID uuid.UUID   `json:"creator_id"`
	Members   []uuid.UUID `json:"members"`
	CreatedAt time.Time   `json:"created_at"`
}

// HasMember reports whether userID is in the chat's member list.
func (c *Chat) HasMember(userID uuid.UUID) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type Attachment struct {
	PublicID string `json:"public_id"`
	URL      string `json:"url"`
}

// Sender is the denormalised author shown in realtime payloads.
type Sender struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type Message struct {
	ID          uuid.UUID    `json:"id"`
	ChatID      uuid.UUID    `json:"chat_id"`
	Sender      Sender       `json:"sender"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// FriendRequest is a pending or resolved friend request between two users.
type FriendRequest struct {
	ID         uuid.UUID     `json:"id"`
	SenderID   uuid.UUID     `json:"sender_id"`
	ReceiverID uuid.UUID     `json:"receiver_id"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Identity is the authenticated user attached to a connection or request.
type Identity struct {
	UserID uuid.UUID
	Name   string
}
