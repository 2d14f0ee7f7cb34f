package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentduo/broker/internal/apperr"
	"github.com/agentduo/broker/internal/longpoll"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Partner{}, &Conversation{}, &Participant{}, &Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	svc := NewService(NewRepo(db), Options{
		HeartbeatInterval: time.Minute,
	})
	return svc, db
}

func mustRegister(t *testing.T, svc *Service, id string) *Partner {
	t.Helper()
	p, err := svc.Register(context.Background(), RegisterInput{ID: id, Name: id}, nil)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return p
}

func expectKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

func TestRegister_NewPartnerGetsSecretKey(t *testing.T) {
	svc, _ := newTestService(t)

	p := mustRegister(t, svc, "alice")
	if !strings.HasPrefix(p.SecretKey, "pk_") {
		t.Fatalf("unexpected secret key: %q", p.SecretKey)
	}
	if p.Status != StatusOnline {
		t.Fatalf("new partner should be online, got %q", p.Status)
	}
	if !p.NotificationsEnabled {
		t.Fatalf("notifications should default to enabled")
	}
}

func TestRegister_ExistingIDRequiresOwnKey(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")

	_, err := svc.Register(context.Background(), RegisterInput{ID: "alice", Name: "Mallory"}, nil)
	expectKind(t, err, apperr.KindUnauthorized)

	bob := mustRegister(t, svc, "bob")
	_, err = svc.Register(context.Background(), RegisterInput{ID: "alice", Name: "Mallory"}, bob)
	expectKind(t, err, apperr.KindUnauthorized)

	updated, err := svc.Register(context.Background(), RegisterInput{ID: "alice", Name: "Alice v2"}, alice)
	if err != nil {
		t.Fatalf("re-register as self: %v", err)
	}
	if updated.Name != "Alice v2" {
		t.Fatalf("name not updated: %q", updated.Name)
	}
	if updated.SecretKey != alice.SecretKey {
		t.Fatalf("secret key must be stable across re-registrations")
	}
}

func TestTalk_DirectCreatesDeterministicConversation(t *testing.T) {
	svc, db := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")

	res, err := svc.Talk(context.Background(), alice, TalkInput{
		To: "bob", FriendKey: bob.SecretKey, Content: "hi",
	})
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	if res.ConversationID != "direct_alice_bob" {
		t.Fatalf("unexpected conversation id: %q", res.ConversationID)
	}
	if res.Notified != 0 || res.Queued != 1 {
		t.Fatalf("expected notified=0 queued=1, got %+v", res)
	}

	// Opposite direction resolves to the same conversation, no duplicates.
	res2, err := svc.Talk(context.Background(), bob, TalkInput{
		To: "alice", FriendKey: alice.SecretKey, Content: "hello back",
	})
	if err != nil {
		t.Fatalf("talk back: %v", err)
	}
	if res2.ConversationID != res.ConversationID {
		t.Fatalf("pair resolved to two conversations: %q vs %q", res.ConversationID, res2.ConversationID)
	}

	var convCount int64
	if err := db.Model(&Conversation{}).Count(&convCount).Error; err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if convCount != 1 {
		t.Fatalf("expected 1 conversation, got %d", convCount)
	}
	var partCount int64
	if err := db.Model(&Participant{}).Where("conversation_id = ?", res.ConversationID).Count(&partCount).Error; err != nil {
		t.Fatalf("count participants: %v", err)
	}
	if partCount != 2 {
		t.Fatalf("expected 2 participant rows, got %d", partCount)
	}
}

func TestTalk_RejectsBadFriendKey(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	mustRegister(t, svc, "bob")

	_, err := svc.Talk(context.Background(), alice, TalkInput{
		To: "bob", FriendKey: "pk_stale", Content: "hi",
	})
	expectKind(t, err, apperr.KindForbidden)

	_, err = svc.Talk(context.Background(), alice, TalkInput{To: "bob", Content: "hi"})
	expectKind(t, err, apperr.KindForbidden)

	_, err = svc.Talk(context.Background(), alice, TalkInput{
		To: "nobody", FriendKey: "pk_whatever", Content: "hi",
	})
	expectKind(t, err, apperr.KindNotFound)
}

func TestUnread_VisibleUntilMarkedRead(t *testing.T) {
	svc, _ := newTestService(t)
	repo := svc.repo

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")

	res, err := svc.Talk(context.Background(), alice, TalkInput{
		To: "bob", FriendKey: bob.SecretKey, Content: "hi",
	})
	if err != nil {
		t.Fatalf("talk: %v", err)
	}

	msgs, err := repo.UnreadMessages(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("expected one unread 'hi', got %v", msgs)
	}

	// The author never sees their own message as unread.
	own, err := repo.UnreadMessages(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unread alice: %v", err)
	}
	if len(own) != 0 {
		t.Fatalf("author's own message counted unread: %v", own)
	}

	if err := repo.MarkConversationRead(context.Background(), res.ConversationID, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	msgs, err = repo.UnreadMessages(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unread after mark: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages still unread after markRead: %v", msgs)
	}

	// Idempotent: marking again keeps it read.
	if err := repo.MarkConversationRead(context.Background(), res.ConversationID, "bob"); err != nil {
		t.Fatalf("mark read twice: %v", err)
	}
	msgs, _ = repo.UnreadMessages(context.Background(), "bob")
	if len(msgs) != 0 {
		t.Fatalf("unexpected unread after second markRead: %v", msgs)
	}
}

func TestListen_ImmediateWhenUnreadPending(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")

	if _, err := svc.Talk(context.Background(), alice, TalkInput{
		To: "bob", FriendKey: bob.SecretKey, Content: "hi",
	}); err != nil {
		t.Fatalf("talk: %v", err)
	}

	msgs, wait, err := svc.BeginListen(context.Background(), "bob", "", time.Minute)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if wait != nil {
		t.Fatalf("expected immediate resolution, got a wait")
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" || msgs[0].FromID != "alice" {
		t.Fatalf("unexpected messages: %v", msgs)
	}

	// The read cursor advanced as part of delivery.
	unread, err := svc.repo.UnreadMessages(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("delivery did not advance the read cursor: %v", unread)
	}
}

func TestListen_BlockedWaitIsNotifiedByTalk(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")

	msgs, wait, err := svc.BeginListen(context.Background(), "bob", "", time.Minute)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if wait == nil || len(msgs) != 0 {
		t.Fatalf("expected a blocked wait, got msgs=%v wait=%v", msgs, wait)
	}
	if !svc.IsListening("bob") {
		t.Fatalf("bob should be listening")
	}

	res, err := svc.Talk(context.Background(), alice, TalkInput{
		To: "bob", FriendKey: bob.SecretKey, Content: "hi",
	})
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	if res.Notified != 1 || res.Queued != 0 {
		t.Fatalf("expected notified=1 queued=0, got %+v", res)
	}

	select {
	case out := <-wait.Done():
		if out.Reason != longpoll.ReasonNone {
			t.Fatalf("unexpected reason %q", out.Reason)
		}
		if len(out.Payload) != 1 || out.Payload[0].Content != "hi" {
			t.Fatalf("unexpected payload: %v", out.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait never resolved")
	}

	unread, _ := svc.repo.UnreadMessages(context.Background(), "bob")
	if len(unread) != 0 {
		t.Fatalf("push delivery did not mark read: %v", unread)
	}
}

func TestListen_SecondListenSupersedesFirst(t *testing.T) {
	svc, _ := newTestService(t)

	mustRegister(t, svc, "bob")

	_, first, err := svc.BeginListen(context.Background(), "bob", "", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first listen: msgs? err=%v", err)
	}
	_, second, err := svc.BeginListen(context.Background(), "bob", "", time.Minute)
	if err != nil || second == nil {
		t.Fatalf("second listen: err=%v", err)
	}

	select {
	case out := <-first.Done():
		if out.Reason != longpoll.ReasonReconnect {
			t.Fatalf("expected reconnect, got %q", out.Reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("first wait never resolved")
	}
	if !svc.IsListening("bob") {
		t.Fatalf("second wait should still be registered")
	}
}

func TestListen_TimesOutWithoutMessages(t *testing.T) {
	svc, _ := newTestService(t)

	mustRegister(t, svc, "bob")

	_, wait, err := svc.BeginListen(context.Background(), "bob", "", 60*time.Millisecond)
	if err != nil || wait == nil {
		t.Fatalf("listen: err=%v", err)
	}

	select {
	case <-wait.Done():
		t.Fatalf("wait resolved before the timeout")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case out := <-wait.Done():
		if out.Reason != longpoll.ReasonTimeout {
			t.Fatalf("expected timeout, got %q", out.Reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout never fired")
	}
}

func TestListen_ConversationScopedWaitIgnoresOtherTraffic(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")
	carol := mustRegister(t, svc, "carol")

	// Establish the two direct conversations up front.
	if _, err := svc.Talk(context.Background(), bob, TalkInput{To: "alice", FriendKey: alice.SecretKey, Content: "ping"}); err != nil {
		t.Fatalf("seed talk: %v", err)
	}
	if _, err := svc.Talk(context.Background(), bob, TalkInput{To: "carol", FriendKey: carol.SecretKey, Content: "ping"}); err != nil {
		t.Fatalf("seed talk: %v", err)
	}
	aliceConv := DirectConversationID("alice", "bob")
	_, wait, err := svc.BeginListen(context.Background(), "bob", aliceConv, time.Minute)
	if err != nil || wait == nil {
		t.Fatalf("scoped listen: err=%v", err)
	}

	// Carol's message targets another conversation: not delivered, queued.
	res, err := svc.Talk(context.Background(), carol, TalkInput{To: "bob", FriendKey: bob.SecretKey, Content: "psst"})
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	if res.Notified != 0 || res.Queued != 1 {
		t.Fatalf("scoped wait consumed a mismatched message: %+v", res)
	}

	// Alice's message matches the scope and resolves the wait.
	res, err = svc.Talk(context.Background(), alice, TalkInput{To: "bob", FriendKey: bob.SecretKey, Content: "hi"})
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	if res.Notified != 1 {
		t.Fatalf("expected scoped delivery, got %+v", res)
	}

	select {
	case out := <-wait.Done():
		if len(out.Payload) != 1 || out.Payload[0].Content != "hi" {
			t.Fatalf("unexpected payload: %v", out.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("scoped wait never resolved")
	}

	// Carol's message is still unread, untouched by the scoped delivery.
	unread, _ := svc.repo.UnreadMessages(context.Background(), "bob")
	if len(unread) != 1 || unread[0].Content != "psst" {
		t.Fatalf("expected carol's message to stay queued, got %v", unread)
	}
}

func TestListen_RecheckResolvesSupersedingWait(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	mustRegister(t, svc, "bob")

	// Replay the interleaving inside BeginListen: the first request
	// registers its wait, a second listen supersedes it, and a message lands
	// in the store, all before the first request's post-registration
	// re-check runs.
	w1 := svc.waits.Register("bob", "", time.Minute, time.Minute)
	w2 := svc.waits.Register("bob", "", time.Minute, time.Minute)

	conv, err := svc.repo.EnsureDirectConversation(context.Background(), alice.ID, "bob")
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	if err := svc.repo.InsertMessage(context.Background(), &Message{
		ConversationID: conv.ID, FromID: alice.ID, Content: "hi",
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	// The re-check claims whatever holds the slot, here the superseding
	// wait. It must resolve it, not strand it with a stopped timer.
	msgs, ok := svc.closeListenRace(context.Background(), "bob", "", w1)
	if ok || msgs != nil {
		t.Fatalf("superseded request got an immediate result: %v", msgs)
	}

	select {
	case out := <-w2.Done():
		if out.Reason != longpoll.ReasonNone {
			t.Fatalf("unexpected reason %q", out.Reason)
		}
		if len(out.Payload) != 1 || out.Payload[0].Content != "hi" {
			t.Fatalf("unexpected payload: %v", out.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("superseding wait was claimed but never resolved")
	}

	// w1 itself was already resolved with reconnect when w2 registered.
	select {
	case out := <-w1.Done():
		if out.Reason != longpoll.ReasonReconnect {
			t.Fatalf("expected reconnect for the first wait, got %q", out.Reason)
		}
	default:
		t.Fatalf("first wait should have been superseded already")
	}

	unread, err := svc.repo.UnreadMessages(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("delivery did not advance the read cursor: %v", unread)
	}
}

func TestCreateGroup_BadFriendKeyLeavesNothingBehind(t *testing.T) {
	svc, db := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")
	mustRegister(t, svc, "carol")

	_, err := svc.CreateGroup(context.Background(), alice, GroupInput{
		Name:         "plans",
		Participants: []string{"bob", "carol"},
		FriendKeys:   []string{bob.SecretKey, "pk_wrong"},
	})
	expectKind(t, err, apperr.KindForbidden)

	var convCount int64
	if err := db.Model(&Conversation{}).Count(&convCount).Error; err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if convCount != 0 {
		t.Fatalf("partial group was created")
	}
}

func TestCreateGroup_FansOutToAllParticipants(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")
	carol := mustRegister(t, svc, "carol")

	conv, err := svc.CreateGroup(context.Background(), alice, GroupInput{
		Name:         "plans",
		Participants: []string{"bob", "carol", "bob"}, // dup is tolerated
		FriendKeys:   []string{bob.SecretKey, carol.SecretKey, bob.SecretKey},
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if !strings.HasPrefix(conv.ID, "group_") || conv.Type != ConversationGroup {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	res, err := svc.Talk(context.Background(), alice, TalkInput{
		ConversationID: conv.ID, Content: "meeting at 5",
	})
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	if res.Notified+res.Queued != 2 {
		t.Fatalf("expected 2 targets, got %+v", res)
	}

	for _, id := range []string{"bob", "carol"} {
		unread, err := svc.repo.UnreadMessagesInConversation(context.Background(), id, conv.ID)
		if err != nil {
			t.Fatalf("unread %s: %v", id, err)
		}
		if len(unread) != 1 {
			t.Fatalf("expected 1 unread for %s, got %d", id, len(unread))
		}
	}
}

func TestTalk_NonParticipantForbidden(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")
	eve := mustRegister(t, svc, "eve")

	conv, err := svc.CreateGroup(context.Background(), alice, GroupInput{
		Name:         "private",
		Participants: []string{"bob"},
		FriendKeys:   []string{bob.SecretKey},
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	_, err = svc.Talk(context.Background(), eve, TalkInput{ConversationID: conv.ID, Content: "hello?"})
	expectKind(t, err, apperr.KindForbidden)

	_, err = svc.Talk(context.Background(), eve, TalkInput{ConversationID: "group_missing", Content: "?"})
	expectKind(t, err, apperr.KindNotFound)
}

func TestLeave_DirectRefusedGroupArchives(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")

	res, err := svc.Talk(context.Background(), alice, TalkInput{
		To: "bob", FriendKey: bob.SecretKey, Content: "hi",
	})
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	_, err = svc.Leave(context.Background(), alice, res.ConversationID)
	expectKind(t, err, apperr.KindValidation)

	conv, err := svc.CreateGroup(context.Background(), alice, GroupInput{
		Name:         "plans",
		Participants: []string{"bob"},
		FriendKeys:   []string{bob.SecretKey},
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	archived, err := svc.Leave(context.Background(), bob, conv.ID)
	if err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	if archived {
		t.Fatalf("group archived while alice remains")
	}

	archived, err = svc.Leave(context.Background(), alice, conv.ID)
	if err != nil {
		t.Fatalf("alice leave: %v", err)
	}
	if !archived {
		t.Fatalf("last participant leaving must archive the group")
	}

	got, err := svc.repo.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !got.IsArchived {
		t.Fatalf("archived flag not persisted")
	}

	// Leaving twice: no longer a participant.
	_, err = svc.Leave(context.Background(), alice, conv.ID)
	expectKind(t, err, apperr.KindForbidden)
}

func TestHistory_OrderAndLimit(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")

	var convID string
	for i := 1; i <= 3; i++ {
		res, err := svc.Talk(context.Background(), alice, TalkInput{
			To: "bob", FriendKey: bob.SecretKey, Content: fmt.Sprintf("msg %d", i),
		})
		if err != nil {
			t.Fatalf("talk %d: %v", i, err)
		}
		convID = res.ConversationID
	}

	_, msgs, err := svc.History(context.Background(), bob, convID, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "msg 2" || msgs[1].Content != "msg 3" {
		t.Fatalf("history not oldest-to-newest within limit: %v", msgs)
	}

	eve := mustRegister(t, svc, "eve")
	_, _, err = svc.History(context.Background(), eve, convID, 10)
	expectKind(t, err, apperr.KindForbidden)
}

func TestNotifications_TruncateAndKeepUnread(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")

	long := strings.Repeat("x", 250)
	if _, err := svc.Talk(context.Background(), alice, TalkInput{
		To: "bob", FriendKey: bob.SecretKey, Content: long,
	}); err != nil {
		t.Fatalf("talk: %v", err)
	}

	previews, err := svc.Notifications(context.Background(), "bob")
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(previews) != 1 {
		t.Fatalf("expected 1 preview, got %d", len(previews))
	}
	if want := strings.Repeat("x", 200) + "..."; previews[0].Content != want {
		t.Fatalf("preview not truncated to 200 runes: %d chars", len(previews[0].Content))
	}

	// Previews never advance the read cursor.
	unread, _ := svc.repo.UnreadMessages(context.Background(), "bob")
	if len(unread) != 1 {
		t.Fatalf("notifications marked messages read")
	}
}

func TestUnregister_ClosesWaitAndGoesOffline(t *testing.T) {
	svc, _ := newTestService(t)

	mustRegister(t, svc, "bob")

	_, wait, err := svc.BeginListen(context.Background(), "bob", "", time.Minute)
	if err != nil || wait == nil {
		t.Fatalf("listen: err=%v", err)
	}

	if err := svc.Unregister(context.Background(), "bob"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	select {
	case out := <-wait.Done():
		if out.Reason != longpoll.ReasonUnregistered {
			t.Fatalf("expected unregistered reason, got %q", out.Reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait never closed")
	}

	p, err := svc.repo.GetPartner(context.Background(), "bob")
	if err != nil {
		t.Fatalf("get partner: %v", err)
	}
	if p.Status != StatusOffline {
		t.Fatalf("expected offline, got %q", p.Status)
	}
}

func TestListConversations_UnreadCountsAndParticipants(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")
	bob := mustRegister(t, svc, "bob")

	for i := 0; i < 2; i++ {
		if _, err := svc.Talk(context.Background(), alice, TalkInput{
			To: "bob", FriendKey: bob.SecretKey, Content: "hi",
		}); err != nil {
			t.Fatalf("talk: %v", err)
		}
	}

	summaries, err := svc.ListConversations(context.Background(), "bob")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(summaries))
	}
	if summaries[0].UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", summaries[0].UnreadCount)
	}
	if len(summaries[0].Participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", summaries[0].Participants)
	}
}

func TestClampListenTimeout(t *testing.T) {
	svc := NewService(NewRepo(openTestDB(t)), Options{
		ListenTimeoutDefault: 30 * time.Minute,
		ListenTimeoutMin:     2 * time.Minute,
		ListenTimeoutMax:     60 * time.Minute,
	})

	cases := []struct {
		minutes int
		want    time.Duration
	}{
		{0, 30 * time.Minute},
		{-5, 2 * time.Minute},
		{1, 2 * time.Minute},
		{15, 15 * time.Minute},
		{240, 60 * time.Minute},
	}
	for _, tc := range cases {
		if got := svc.ClampListenTimeout(tc.minutes); got != tc.want {
			t.Fatalf("clamp(%d) = %s, want %s", tc.minutes, got, tc.want)
		}
	}
}

func TestPartnerByKey(t *testing.T) {
	svc, _ := newTestService(t)

	alice := mustRegister(t, svc, "alice")

	got, err := svc.PartnerByKey(context.Background(), alice.SecretKey)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "alice" {
		t.Fatalf("wrong partner: %q", got.ID)
	}

	_, err = svc.PartnerByKey(context.Background(), "pk_nope")
	expectKind(t, err, apperr.KindUnauthorized)

	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperr.Error, got %T", err)
	}
}
