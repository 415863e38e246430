package chats

import (
	"context"
	"errors"
	"strings"
	"testing"

	"realtime_chat/internal/domain"

	"github.com/google/uuid"
)

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.store.addUser("alice"), f.store.addUser("bob"), f.store.addUser("carol")

	chat, err := f.service.CreateGroup(context.Background(), alice, " team ", []uuid.UUID{bob.UserID, carol.UserID, bob.UserID, alice.UserID})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if chat.Name != "team" || !chat.GroupChat || chat.CreatorID != alice.UserID || len(chat.Members) != 3 {
		t.Fatalf("unexpected chat %+v", chat)
	}

	alerts := f.events.of(domain.EventAlert)
	if len(alerts) != 1 || !sameSet(alerts[0].targets, chat.Members) {
		t.Fatalf("welcome alert should reach every member, got %+v", alerts)
	}
	if p := alerts[0].payload.(domain.AlertPayload); p.Message != "Welcome to team group chat" {
		t.Fatalf("unexpected alert %q", p.Message)
	}
	refetch := f.events.of(domain.EventRefetchChats)
	if len(refetch) != 1 || !sameSet(refetch[0].targets, []uuid.UUID{bob.UserID, carol.UserID}) {
		t.Fatalf("refetch should go to the other members, got %+v", refetch)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	f := newFixture(t)
	alice := f.store.addUser("alice")
	bob := f.store.addUser("bob")

	tests := []struct {
		name   string
		group  string
		others []uuid.UUID
		want   error
	}{
		{"no name", "  ", []uuid.UUID{bob.UserID}, domain.ErrValidation},
		{"only self", "solo", []uuid.UUID{alice.UserID}, domain.ErrValidation},
		{"unknown member", "ghosts", []uuid.UUID{bob.UserID, uuid.New()}, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.service.CreateGroup(context.Background(), alice, tt.group, tt.others); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	many := make([]uuid.UUID, MaxGroupMembers)
	for i := range many {
		many[i] = f.store.addUser("u").UserID
	}
	if _, err := f.service.CreateGroup(context.Background(), alice, "crowd", many); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected member limit error, got %v", err)
	}
	if len(f.events.events) != 0 {
		t.Fatal("failed operations must not emit events")
	}
}

func TestListGroupsReturnsOnlyOwnGroups(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.store.addUser("alice"), f.store.addUser("bob"), f.store.addUser("carol")
	own := newGroup(t, f, alice, bob, carol)
	newGroup(t, f, bob, alice, carol)

	groups, err := f.service.ListGroups(context.Background(), alice)
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != own.ID {
		t.Fatalf("expected only the group alice created, got %+v", groups)
	}
}

func newGroup(t *testing.T, f *fixture, creator domain.Identity, others ...domain.Identity) *domain.Chat {
	t.Helper()
	ids := make([]uuid.UUID, len(others))
	for i, o := range others {
		ids[i] = o.UserID
	}
	chat, err := f.service.CreateGroup(context.Background(), creator, "team", ids)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	f.events.events = nil
	return chat
}

func TestAddMembers(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.store.addUser("alice"), f.store.addUser("bob")
	carol, dave := f.store.addUser("carol"), f.store.addUser("dave")
	chat := newGroup(t, f, alice, bob)

	err := f.service.AddMembers(context.Background(), alice, chat.ID, []uuid.UUID{bob.UserID, carol.UserID, dave.UserID})
	if err != nil {
		t.Fatalf("add members: %v", err)
	}

	stored, _ := f.store.GetChat(context.Background(), chat.ID)
	if len(stored.Members) != 4 {
		t.Fatalf("expected 4 members, got %v", stored.Members)
	}
	joined := f.events.of(domain.EventMemberJoined)
	if len(joined) != 2 {
		t.Fatalf("expected one MEMBER_JOINED per new member, got %d", len(joined))
	}
	for _, ev := range joined {
		if !sameSet(ev.targets, stored.Members) {
			t.Fatalf("MEMBER_JOINED should reach the new membership, got %v", ev.targets)
		}
	}
	alert := f.events.of(domain.EventAlert)[0].payload.(domain.AlertPayload)
	if alert.Message != "carol,dave has been added in the group" {
		t.Fatalf("unexpected alert %q", alert.Message)
	}
	if r := f.events.of(domain.EventRefetchChats); len(r) != 1 || !sameSet(r[0].targets, stored.Members) {
		t.Fatalf("unexpected refetch %+v", r)
	}
}

func TestAddMembersRules(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.store.addUser("alice"), f.store.addUser("bob"), f.store.addUser("carol")
	chat := newGroup(t, f, alice, bob)

	if err := f.service.AddMembers(context.Background(), bob, chat.ID, []uuid.UUID{carol.UserID}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("non-creator: expected forbidden, got %v", err)
	}
	if err := f.service.AddMembers(context.Background(), alice, chat.ID, []uuid.UUID{bob.UserID}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("existing member: expected validation, got %v", err)
	}
	if err := f.service.AddMembers(context.Background(), alice, uuid.New(), []uuid.UUID{carol.UserID}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown chat: expected not found, got %v", err)
	}

	direct := &domain.Chat{ID: uuid.New(), Members: []uuid.UUID{alice.UserID, bob.UserID}}
	f.store.CreateChat(context.Background(), direct)
	if err := f.service.AddMembers(context.Background(), alice, direct.ID, []uuid.UUID{carol.UserID}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("direct chat: expected validation, got %v", err)
	}
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.store.addUser("alice"), f.store.addUser("bob"), f.store.addUser("carol")
	chat := newGroup(t, f, alice, bob, carol)

	if err := f.service.RemoveMember(context.Background(), alice, chat.ID, carol.UserID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	remaining := []uuid.UUID{alice.UserID, bob.UserID}
	left := f.events.of(domain.EventMemberLeft)
	if len(left) != 1 || !sameSet(left[0].targets, remaining) {
		t.Fatalf("MEMBER_LEFT should reach remaining members, got %+v", left)
	}
	if p := left[0].payload.(domain.MemberPayload); p.MemberID != carol.UserID || p.ChatID != chat.ID {
		t.Fatalf("unexpected payload %+v", p)
	}
	refetch := f.events.of(domain.EventRefetchChats)
	if len(refetch) != 1 || !sameSet(refetch[0].targets, append(remaining, carol.UserID)) {
		t.Fatalf("refetch should include the removed user, got %+v", refetch)
	}

	// two members left: removing another would break the group
	if err := f.service.RemoveMember(context.Background(), alice, chat.ID, bob.UserID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected minimum size error, got %v", err)
	}
	if err := f.service.RemoveMember(context.Background(), bob, chat.ID, alice.UserID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for non-creator, got %v", err)
	}
}

func TestLeaveGroupHandsOverCreator(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.store.addUser("alice"), f.store.addUser("bob"), f.store.addUser("carol")
	chat := newGroup(t, f, alice, bob, carol)

	if err := f.service.LeaveGroup(context.Background(), alice, chat.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}

	stored, _ := f.store.GetChat(context.Background(), chat.ID)
	if stored.HasMember(alice.UserID) {
		t.Fatal("alice should be gone")
	}
	if stored.CreatorID != bob.UserID {
		t.Fatalf("expected bob to become creator, got %s", stored.CreatorID)
	}
	alert := f.events.of(domain.EventAlert)
	if len(alert) != 1 || !sameSet(alert[0].targets, []uuid.UUID{bob.UserID, carol.UserID}) {
		t.Fatalf("unexpected alert %+v", alert)
	}
	if msg := alert[0].payload.(domain.AlertPayload).Message; msg != "User alice has left the group" {
		t.Fatalf("unexpected alert text %q", msg)
	}

	if err := f.service.LeaveGroup(context.Background(), alice, chat.ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("leaving twice: expected validation, got %v", err)
	}
}

func TestRenameAndDelete(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.store.addUser("alice"), f.store.addUser("bob")
	chat := newGroup(t, f, alice, bob)
	f.store.blobIDs[chat.ID] = []string{"a.png", "b.pdf"}

	if err := f.service.RenameGroup(context.Background(), bob, chat.ID, "mine"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden rename, got %v", err)
	}
	if err := f.service.RenameGroup(context.Background(), alice, chat.ID, "renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if msg := f.events.of(domain.EventAlert)[0].payload.(domain.AlertPayload).Message; !strings.HasSuffix(msg, "renamed") {
		t.Fatalf("unexpected rename alert %q", msg)
	}

	if err := f.service.DeleteChat(context.Background(), bob, chat.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden delete, got %v", err)
	}
	f.events.events = nil
	if err := f.service.DeleteChat(context.Background(), alice, chat.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(f.blobs.deleted) != 2 {
		t.Fatalf("attachments should be deleted, got %v", f.blobs.deleted)
	}
	if r := f.events.of(domain.EventRefetchChats); len(r) != 1 || !sameSet(r[0].targets, []uuid.UUID{alice.UserID, bob.UserID}) {
		t.Fatalf("unexpected refetch %+v", r)
	}
	if _, err := f.store.GetChat(context.Background(), chat.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("chat should be gone")
	}
}

func TestFriendRequestFlow(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.store.addUser("alice"), f.store.addUser("bob")

	req, err := f.service.SendFriendRequest(context.Background(), alice, bob.UserID)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	sent := f.events.of(domain.EventNewFriendRequest)
	if len(sent) != 1 || len(sent[0].targets) != 1 || sent[0].targets[0] != bob.UserID {
		t.Fatalf("NEW_FRIEND_REQUEST should reach only the receiver, got %+v", sent)
	}
	if p := sent[0].payload.(domain.FriendRequestPayload); p.Sender.Name != "alice" || p.RequestID != req.ID {
		t.Fatalf("unexpected payload %+v", p)
	}

	if _, err := f.service.SendFriendRequest(context.Background(), bob, alice.UserID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("reverse duplicate: expected validation, got %v", err)
	}
	if _, err := f.service.RespondFriendRequest(context.Background(), alice, req.ID, true); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("sender cannot accept: got %v", err)
	}

	chat, err := f.service.RespondFriendRequest(context.Background(), bob, req.ID, true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if chat.GroupChat || chat.Name != "alice-bob" || !sameSet(chat.Members, []uuid.UUID{alice.UserID, bob.UserID}) {
		t.Fatalf("unexpected direct chat %+v", chat)
	}
	if r := f.events.of(domain.EventRefetchChats); len(r) != 1 || !sameSet(r[0].targets, chat.Members) {
		t.Fatalf("unexpected refetch %+v", r)
	}

	if _, err := f.service.RespondFriendRequest(context.Background(), bob, req.ID, true); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("second answer: expected validation, got %v", err)
	}
}

func TestFriendRequestRejectAllowsRetry(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.store.addUser("alice"), f.store.addUser("bob")

	if _, err := f.service.SendFriendRequest(context.Background(), alice, alice.UserID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("self request: expected validation, got %v", err)
	}
	if _, err := f.service.SendFriendRequest(context.Background(), alice, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown receiver: expected not found, got %v", err)
	}

	req, _ := f.service.SendFriendRequest(context.Background(), alice, bob.UserID)
	chat, err := f.service.RespondFriendRequest(context.Background(), bob, req.ID, false)
	if err != nil || chat != nil {
		t.Fatalf("reject: chat=%v err=%v", chat, err)
	}
	if len(f.events.of(domain.EventRefetchChats)) != 0 {
		t.Fatal("rejection must not create a chat")
	}

	if _, err := f.service.SendFriendRequest(context.Background(), alice, bob.UserID); err != nil {
		t.Fatalf("a rejected request can be sent again: %v", err)
	}
}

func TestMessagesRequiresMembership(t *testing.T) {
	f := newFixture(t)
	alice, bob, eve := f.store.addUser("alice"), f.store.addUser("bob"), f.store.addUser("eve")
	chat := newGroup(t, f, alice, bob)

	messages, pages, err := f.service.Messages(context.Background(), bob, chat.ID, 2)
	if err != nil || pages != 1 || len(messages) != 1 {
		t.Fatalf("member history: %v %d %v", messages, pages, err)
	}
	if messages[0].Content != "page 2 of 20" {
		t.Fatalf("page size not applied: %q", messages[0].Content)
	}
	if _, _, err := f.service.Messages(context.Background(), eve, chat.ID, 1); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("outsider history: expected forbidden, got %v", err)
	}
}
