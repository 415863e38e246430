package chats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"realtime_chat/internal/domain"
	"realtime_chat/internal/realtime"

	"github.com/google/uuid"
)

const (
	MaxGroupMembers = 100
	HistoryPageSize = 20
)

type Store interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FilterExistingUsers(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)

	GetChat(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error)
	ListChats(ctx context.Context, userID uuid.UUID) ([]*domain.Chat, error)
	ListGroups(ctx context.Context, creatorID uuid.UUID) ([]*domain.Chat, error)
	CreateChat(ctx context.Context, chat *domain.Chat) error
	AddChatMembers(ctx context.Context, chatID uuid.UUID, userIDs []uuid.UUID) error
	RemoveChatMember(ctx context.Context, chatID, userID uuid.UUID) error
	SetCreator(ctx context.Context, chatID, userID uuid.UUID) error
	RenameChat(ctx context.Context, chatID uuid.UUID, name string) error
	DeleteChat(ctx context.Context, chatID uuid.UUID) ([]string, error)
	GetMessages(ctx context.Context, chatID uuid.UUID, page, pageSize int) ([]*domain.Message, int, error)

	CreateRequest(ctx context.Context, req *domain.FriendRequest) error
	FindRequest(ctx context.Context, a, b uuid.UUID) (*domain.FriendRequest, error)
	GetRequest(ctx context.Context, requestID uuid.UUID) (*domain.FriendRequest, error)
	UpdateRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.RequestStatus) error
}

type Emitter interface {
	Emit(ctx context.Context, eventType domain.EventType, targets []uuid.UUID, payload any) realtime.Delivery
}

type BlobDeleter interface {
	Delete(ctx context.Context, publicIDs ...string) error
}

// Service implements the chat and friend-request operations that change
// membership. Each successful change is announced through the fan-out
// engine to the users it affects.
type Service struct {
	store  Store
	events Emitter
	blobs  BlobDeleter
	logger *slog.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

func NewService(store Store, events Emitter, blobs BlobDeleter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		events: events,
		blobs:  blobs,
		logger: logger,
		now:    time.Now,
		newID:  uuid.New,
	}
}

func validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrForbidden, fmt.Sprintf(format, args...))
}

func (s *Service) alert(ctx context.Context, chatID uuid.UUID, targets []uuid.UUID, message string) {
	s.events.Emit(ctx, domain.EventAlert, targets, domain.AlertPayload{ChatID: &chatID, Message: message})
}

func (s *Service) refetch(ctx context.Context, targets []uuid.UUID) {
	s.events.Emit(ctx, domain.EventRefetchChats, targets, nil)
}

// GetChat returns a chat the actor belongs to.
func (s *Service) GetChat(ctx context.Context, actor domain.Identity, chatID uuid.UUID) (*domain.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(actor.UserID) {
		return nil, forbidden("you are not a member of this chat")
	}
	return chat, nil
}

func (s *Service) ListChats(ctx context.Context, actor domain.Identity) ([]*domain.Chat, error) {
	return s.store.ListChats(ctx, actor.UserID)
}

// ListGroups returns the group chats the actor created.
func (s *Service) ListGroups(ctx context.Context, actor domain.Identity) ([]*domain.Chat, error) {
	return s.store.ListGroups(ctx, actor.UserID)
}

// Messages returns one page of history, newest first, and the page count.
func (s *Service) Messages(ctx context.Context, actor domain.Identity, chatID uuid.UUID, page int) ([]*domain.Message, int, error) {
	if _, err := s.GetChat(ctx, actor, chatID); err != nil {
		return nil, 0, err
	}
	return s.store.GetMessages(ctx, chatID, page, HistoryPageSize)
}

func (s *Service) CreateGroup(ctx context.Context, actor domain.Identity, name string, others []uuid.UUID) (*domain.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validation("group name is required")
	}
	others = uniqueExcept(others, actor.UserID)
	if len(others) < 1 {
		return nil, validation("at least one other member is required")
	}
	if len(others)+1 > MaxGroupMembers {
		return nil, validation("group chat can have max %d members", MaxGroupMembers)
	}

	existing, err := s.store.FilterExistingUsers(ctx, others)
	if err != nil {
		return nil, err
	}
	if len(existing) != len(others) {
		return nil, fmt.Errorf("%w: some members do not exist", domain.ErrNotFound)
	}

	chat := &domain.Chat{
		ID:        s.newID(),
		Name:      name,
		GroupChat: true,
		CreatorID: actor.UserID,
		Members:   append(append([]uuid.UUID{}, others...), actor.UserID),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, err
	}

	s.alert(ctx, chat.ID, chat.Members, fmt.Sprintf("Welcome to %s group chat", name))
	s.refetch(ctx, others)
	return chat, nil
}

// groupForCreator loads a group chat and checks that actor created it.
func (s *Service) groupForCreator(ctx context.Context, actor domain.Identity, chatID uuid.UUID, action string) (*domain.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.GroupChat {
		return nil, validation("not a group chat")
	}
	if chat.CreatorID != actor.UserID {
		return nil, forbidden("only creator can %s", action)
	}
	return chat, nil
}

func (s *Service) AddMembers(ctx context.Context, actor domain.Identity, chatID uuid.UUID, userIDs []uuid.UUID) error {
	if len(userIDs) == 0 {
		return validation("at least one member is required")
	}
	chat, err := s.groupForCreator(ctx, actor, chatID, "add members")
	if err != nil {
		return err
	}

	var added []uuid.UUID
	var names []string
	for _, id := range uniqueExcept(userIDs, uuid.Nil) {
		if chat.HasMember(id) {
			continue
		}
		user, err := s.store.GetUser(ctx, id)
		if err != nil {
			return err
		}
		added = append(added, id)
		names = append(names, user.Name)
	}
	if len(added) == 0 {
		return validation("please select members that are not already in the group")
	}
	if len(chat.Members)+len(added) > MaxGroupMembers {
		return validation("group chat can have max %d members", MaxGroupMembers)
	}

	if err := s.store.AddChatMembers(ctx, chatID, added); err != nil {
		return err
	}

	members := append(append([]uuid.UUID{}, chat.Members...), added...)
	for _, id := range added {
		s.events.Emit(ctx, domain.EventMemberJoined, members, domain.MemberPayload{ChatID: chatID, MemberID: id})
	}
	s.alert(ctx, chatID, members, fmt.Sprintf("%s has been added in the group", strings.Join(names, ",")))
	s.refetch(ctx, members)
	return nil
}

func (s *Service) RemoveMember(ctx context.Context, actor domain.Identity, chatID, userID uuid.UUID) error {
	chat, err := s.groupForCreator(ctx, actor, chatID, "remove members")
	if err != nil {
		return err
	}
	if userID == actor.UserID {
		return validation("creator must leave the group instead of removing themselves")
	}
	if !chat.HasMember(userID) {
		return validation("user not in the group")
	}
	if len(chat.Members) < 3 {
		return validation("group chat must have at least 2 members")
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.store.RemoveChatMember(ctx, chatID, userID); err != nil {
		return err
	}

	remaining := uniqueExcept(chat.Members, userID)
	s.events.Emit(ctx, domain.EventMemberLeft, remaining, domain.MemberPayload{ChatID: chatID, MemberID: userID})
	s.alert(ctx, chatID, remaining, fmt.Sprintf("%s has been removed from the group", user.Name))
	s.refetch(ctx, append(remaining, userID))
	return nil
}

// LeaveGroup removes the actor from a group. When the creator leaves, the
// longest standing remaining member becomes creator.
func (s *Service) LeaveGroup(ctx context.Context, actor domain.Identity, chatID uuid.UUID) error {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.GroupChat {
		return validation("not a group chat")
	}
	if !chat.HasMember(actor.UserID) {
		return validation("user not in the group")
	}

	if err := s.store.RemoveChatMember(ctx, chatID, actor.UserID); err != nil {
		return err
	}
	others := uniqueExcept(chat.Members, actor.UserID)
	if chat.CreatorID == actor.UserID && len(others) > 0 {
		if err := s.store.SetCreator(ctx, chatID, others[0]); err != nil {
			return err
		}
	}

	s.events.Emit(ctx, domain.EventMemberLeft, others, domain.MemberPayload{ChatID: chatID, MemberID: actor.UserID})
	s.alert(ctx, chatID, others, fmt.Sprintf("User %s has left the group", actor.Name))
	s.refetch(ctx, []uuid.UUID{actor.UserID})
	return nil
}

func (s *Service) RenameGroup(ctx context.Context, actor domain.Identity, chatID uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return validation("group name is required")
	}
	chat, err := s.groupForCreator(ctx, actor, chatID, "rename group")
	if err != nil {
		return err
	}
	if err := s.store.RenameChat(ctx, chatID, name); err != nil {
		return err
	}

	s.refetch(ctx, chat.Members)
	s.alert(ctx, chatID, chat.Members, fmt.Sprintf("Group name has been changed to %s", name))
	return nil
}

// DeleteChat deletes a chat with its history. Groups can only be deleted by
// their creator, direct chats by either member. Attachment blobs are removed
// after the rows are gone.
func (s *Service) DeleteChat(ctx context.Context, actor domain.Identity, chatID uuid.UUID) error {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.GroupChat && chat.CreatorID != actor.UserID {
		return forbidden("only creator can delete group")
	}
	if !chat.GroupChat && !chat.HasMember(actor.UserID) {
		return forbidden("you are not a member of this chat")
	}

	publicIDs, err := s.store.DeleteChat(ctx, chatID)
	if err != nil {
		return err
	}
	if len(publicIDs) > 0 && s.blobs != nil {
		if err := s.blobs.Delete(ctx, publicIDs...); err != nil {
			s.logger.Error("Failed to delete chat attachments", "chat_id", chatID, "count", len(publicIDs), "error", err)
		}
	}

	s.refetch(ctx, chat.Members)
	return nil
}

func (s *Service) SendFriendRequest(ctx context.Context, actor domain.Identity, receiverID uuid.UUID) (*domain.FriendRequest, error) {
	if receiverID == actor.UserID {
		return nil, validation("you cannot send a request to yourself")
	}
	if _, err := s.store.GetUser(ctx, receiverID); err != nil {
		return nil, err
	}

	existing, err := s.store.FindRequest(ctx, actor.UserID, receiverID)
	switch {
	case err == nil && existing.Status != domain.RequestRejected:
		return nil, validation("request already sent")
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	req := &domain.FriendRequest{
		ID:         s.newID(),
		SenderID:   actor.UserID,
		ReceiverID: receiverID,
		Status:     domain.RequestPending,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	s.events.Emit(ctx, domain.EventNewFriendRequest, []uuid.UUID{receiverID}, domain.FriendRequestPayload{
		RequestID: req.ID,
		Sender:    domain.Sender{ID: actor.UserID, Name: actor.Name},
	})
	return req, nil
}

// RespondFriendRequest accepts or rejects a pending request addressed to
// actor. Accepting creates the direct chat between the two users.
func (s *Service) RespondFriendRequest(ctx context.Context, actor domain.Identity, requestID uuid.UUID, accept bool) (*domain.Chat, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ReceiverID != actor.UserID {
		return nil, forbidden("you are not authorized to respond to this request")
	}
	if req.Status != domain.RequestPending {
		return nil, validation("request already %s", req.Status)
	}

	if !accept {
		return nil, s.store.UpdateRequestStatus(ctx, requestID, domain.RequestRejected)
	}

	sender, err := s.store.GetUser(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateRequestStatus(ctx, requestID, domain.RequestAccepted); err != nil {
		return nil, err
	}

	chat := &domain.Chat{
		ID:        s.newID(),
		Name:      fmt.Sprintf("%s-%s", sender.Name, actor.Name),
		Members:   []uuid.UUID{req.SenderID, actor.UserID},
		CreatedAt: s.now(),
	}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, err
	}

	s.refetch(ctx, chat.Members)
	return chat, nil
}

func uniqueExcept(ids []uuid.UUID, except uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == except || id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
