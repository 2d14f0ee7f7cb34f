package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/agentduo/broker/internal/apperr"
	"github.com/agentduo/broker/internal/longpoll"
)

// MessageEvent is published to the event feed after a message is durably
// appended.
type MessageEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      uint64    `json:"message_id"`
	FromID         string    `json:"from_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// EventSink receives broker events. Publishing is best-effort; a sink error
// never fails the operation that produced the event.
type EventSink interface {
	PublishMessage(ctx context.Context, ev MessageEvent) error
}

type Options struct {
	ListenTimeoutDefault time.Duration
	ListenTimeoutMin     time.Duration
	ListenTimeoutMax     time.Duration
	HeartbeatInterval    time.Duration

	// Events may be nil.
	Events EventSink
}

type Service struct {
	repo  *Repo
	waits *longpoll.Registry[[]Message]
	opts  Options
}

func NewService(repo *Repo, opts Options) *Service {
	if opts.ListenTimeoutDefault <= 0 {
		opts.ListenTimeoutDefault = 30 * time.Minute
	}
	if opts.ListenTimeoutMin <= 0 {
		opts.ListenTimeoutMin = 2 * time.Minute
	}
	if opts.ListenTimeoutMax <= 0 {
		opts.ListenTimeoutMax = 60 * time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Service{
		repo:  repo,
		waits: longpoll.NewRegistry[[]Message](),
		opts:  opts,
	}
}

// PartnerByKey resolves a bearer secret to its partner.
func (s *Service) PartnerByKey(ctx context.Context, secretKey string) (*Partner, error) {
	p, err := s.repo.GetPartnerByKey(ctx, secretKey)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unauthorized("invalid or missing partner key")
		}
		return nil, apperr.Internal("lookup partner key", err)
	}
	return p, nil
}

type RegisterInput struct {
	ID          string
	Name        string
	ProjectPath string
}

// Register creates a new partner or, when the id already exists, updates its
// profile. Re-registration requires the caller to authenticate as that
// partner; the secret key is assigned once and survives re-registration.
func (s *Service) Register(ctx context.Context, in RegisterInput, authed *Partner) (*Partner, error) {
	if in.ID == "" {
		return nil, apperr.Validation("partnerId required")
	}
	if in.Name == "" {
		in.Name = in.ID
	}

	existing, err := s.repo.GetPartner(ctx, in.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Internal("load partner", err)
	}

	if existing != nil {
		if authed == nil || authed.ID != in.ID {
			return nil, apperr.Unauthorized("partner already exists; provide your partner key to re-register")
		}
		if err := s.repo.UpdatePartnerProfile(ctx, in.ID, in.Name, in.ProjectPath); err != nil {
			return nil, apperr.Internal("update partner", err)
		}
		updated, err := s.repo.GetPartner(ctx, in.ID)
		if err != nil {
			return nil, apperr.Internal("reload partner", err)
		}
		log.Printf("[BROKER] re-registered: %s (%s)", updated.Name, updated.ID)
		return updated, nil
	}

	key, err := NewSecretKey()
	if err != nil {
		return nil, apperr.Internal("generate secret key", err)
	}
	now := time.Now()
	p := &Partner{
		ID:                   in.ID,
		Name:                 in.Name,
		SecretKey:            key,
		ProjectPath:          in.ProjectPath,
		Status:               StatusOnline,
		NotificationsEnabled: true,
		CreatedAt:            now,
		LastSeen:             now,
	}
	if err := s.repo.CreatePartner(ctx, p); err != nil {
		return nil, apperr.Internal("create partner", err)
	}
	log.Printf("[BROKER] new registration: %s (%s)", p.Name, p.ID)
	return p, nil
}

func (s *Service) ListPartners(ctx context.Context, search string) ([]PartnerView, error) {
	partners, err := s.repo.ListPartners(ctx, search)
	if err != nil {
		return nil, apperr.Internal("list partners", err)
	}
	views := make([]PartnerView, 0, len(partners))
	for _, p := range partners {
		views = append(views, PartnerView{
			ID:            p.ID,
			Name:          p.Name,
			Status:        p.Status,
			StatusMessage: p.StatusMessage,
			CreatedAt:     p.CreatedAt,
			LastSeen:      p.LastSeen,
			IsListening:   s.waits.IsWaiting(p.ID),
		})
	}
	return views, nil
}

func (s *Service) SetStatusMessage(ctx context.Context, partnerID string, message *string) error {
	if err := s.repo.SetStatusMessage(ctx, partnerID, message); err != nil {
		return apperr.Internal("set status message", err)
	}
	return nil
}

func (s *Service) SetNotificationsEnabled(ctx context.Context, partnerID string, enabled bool) error {
	if err := s.repo.SetNotificationsEnabled(ctx, partnerID, enabled); err != nil {
		return apperr.Internal("set notifications", err)
	}
	return nil
}

// Unregister closes any open wait with reason "unregistered" and demotes the
// partner to offline.
func (s *Service) Unregister(ctx context.Context, partnerID string) error {
	s.waits.Resolve(partnerID, longpoll.ReasonUnregistered)
	if err := s.repo.UpdatePartnerStatus(ctx, partnerID, StatusOffline); err != nil {
		return apperr.Internal("set offline", err)
	}
	log.Printf("[BROKER] unregistered: %s", partnerID)
	return nil
}

type TalkInput struct {
	To             string
	FriendKey      string
	ConversationID string
	Content        string
}

type TalkResult struct {
	ConversationID string `json:"conversationId"`
	MessageID      uint64 `json:"messageId"`
	Notified       int    `json:"notified"`
	Queued         int    `json:"queued"`
}

// Talk appends a message to an existing conversation or to the direct
// conversation with a recipient, then pushes it to every target that is
// currently blocked in listen. Targets without an open wait keep the message
// queued in the store.
func (s *Service) Talk(ctx context.Context, sender *Partner, in TalkInput) (*TalkResult, error) {
	if in.Content == "" {
		return nil, apperr.Validation("content required")
	}
	if in.To == "" && in.ConversationID == "" {
		return nil, apperr.Validation("either 'to' or 'conversationId' required")
	}

	var conv *Conversation
	var targets []string

	if in.ConversationID != "" {
		var err error
		conv, err = s.repo.GetConversation(ctx, in.ConversationID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound("conversation not found")
			}
			return nil, apperr.Internal("load conversation", err)
		}
		member, err := s.repo.IsParticipant(ctx, conv.ID, sender.ID)
		if err != nil {
			return nil, apperr.Internal("check participant", err)
		}
		if !member {
			return nil, apperr.Forbidden("not a participant of this conversation")
		}
		ids, err := s.repo.ParticipantIDs(ctx, conv.ID)
		if err != nil {
			return nil, apperr.Internal("load participants", err)
		}
		for _, id := range ids {
			if id != sender.ID {
				targets = append(targets, id)
			}
		}
	} else {
		// Direct message: the sender must prove prior trust by presenting
		// the recipient's current secret. Checked at send time, never
		// cached, so key rotation invalidates stale friend keys at once.
		if in.FriendKey == "" {
			return nil, apperr.Forbidden("friendKey required for direct messages")
		}
		recipient, err := s.repo.GetPartner(ctx, in.To)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound(fmt.Sprintf("recipient %q is not registered", in.To))
			}
			return nil, apperr.Internal("load recipient", err)
		}
		if recipient.SecretKey != in.FriendKey {
			return nil, apperr.Forbidden("invalid friendKey for recipient")
		}
		conv, err = s.repo.EnsureDirectConversation(ctx, sender.ID, in.To)
		if err != nil {
			return nil, apperr.Internal("resolve direct conversation", err)
		}
		targets = []string{in.To}
	}

	msg := &Message{
		ConversationID: conv.ID,
		FromID:         sender.ID,
		Content:        in.Content,
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, apperr.Internal("append message", err)
	}
	if err := s.repo.UpdatePartnerStatus(ctx, sender.ID, StatusOnline); err != nil {
		log.Printf("[BROKER] touch sender %s: %v", sender.ID, err)
	}

	// Each target is notified independently; a failed push never rolls back
	// the append.
	notified := 0
	for _, target := range targets {
		if s.deliver(ctx, target, conv.ID) {
			notified++
		}
	}

	if s.opts.Events != nil {
		ev := MessageEvent{
			Type:           "message.appended",
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			FromID:         sender.ID,
			CreatedAt:      msg.CreatedAt,
		}
		if err := s.opts.Events.PublishMessage(ctx, ev); err != nil {
			log.Printf("[BROKER] event publish failed conv=%s msg=%d: %v", conv.ID, msg.ID, err)
		}
	}

	log.Printf("[BROKER] %s -> %s: message %d (notified=%d queued=%d)",
		sender.ID, conv.ID, msg.ID, notified, len(targets)-notified)

	return &TalkResult{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Notified:       notified,
		Queued:         len(targets) - notified,
	}, nil
}

// deliver claims the target's open wait, if any, and resolves it with the
// unread messages in the wait's own scope. The corresponding read cursors
// advance as part of delivery.
func (s *Service) deliver(ctx context.Context, partnerID, conversationID string) bool {
	w := s.waits.Claim(partnerID, conversationID)
	if w == nil {
		return false
	}
	s.resolve(ctx, w)
	return true
}

// resolve fetches the unread messages in the claimed wait's own scope,
// advances the read cursors, and delivers. The wait is already out of the
// registry and owned by the caller.
func (s *Service) resolve(ctx context.Context, w *longpoll.Wait[[]Message]) {
	var msgs []Message
	var err error
	if w.ConversationID != "" {
		msgs, err = s.repo.UnreadMessagesInConversation(ctx, w.PartnerID, w.ConversationID)
		if err == nil {
			err = s.repo.MarkConversationRead(ctx, w.ConversationID, w.PartnerID)
		}
	} else {
		msgs, err = s.repo.UnreadMessages(ctx, w.PartnerID)
		if err == nil {
			err = s.markAllRead(ctx, w.PartnerID, msgs)
		}
	}
	if err != nil {
		// The wait is already consumed; resolve with what we have. The
		// message itself is durable, so nothing is lost.
		log.Printf("[BROKER] deliver to %s: %v", w.PartnerID, err)
	}
	w.Deliver(msgs)
}

func (s *Service) markAllRead(ctx context.Context, partnerID string, msgs []Message) error {
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ConversationID]; ok {
			continue
		}
		seen[m.ConversationID] = struct{}{}
		if err := s.repo.MarkConversationRead(ctx, m.ConversationID, partnerID); err != nil {
			return err
		}
	}
	return nil
}

// ClampListenTimeout converts client-requested minutes into a bounded wait
// duration. Zero means the client sent nothing and gets the default; any
// explicit value is clamped into [min, max].
func (s *Service) ClampListenTimeout(minutes int) time.Duration {
	if minutes == 0 {
		return s.opts.ListenTimeoutDefault
	}
	d := time.Duration(minutes) * time.Minute
	if d < s.opts.ListenTimeoutMin {
		return s.opts.ListenTimeoutMin
	}
	if d > s.opts.ListenTimeoutMax {
		return s.opts.ListenTimeoutMax
	}
	return d
}

// BeginListen marks the partner online and either returns pending unread
// messages immediately (read cursors advanced) or registers a wait. When a
// message races in between the unread check and registration, the service
// claims whichever wait holds the registry slot so nothing sits stranded
// until timeout.
func (s *Service) BeginListen(ctx context.Context, partnerID, conversationID string, timeout time.Duration) ([]Message, *longpoll.Wait[[]Message], error) {
	if err := s.repo.UpdatePartnerStatus(ctx, partnerID, StatusOnline); err != nil {
		return nil, nil, apperr.Internal("set online", err)
	}

	if conversationID != "" {
		member, err := s.repo.IsParticipant(ctx, conversationID, partnerID)
		if err != nil {
			return nil, nil, apperr.Internal("check participant", err)
		}
		if !member {
			return nil, nil, apperr.Forbidden("not a participant of this conversation")
		}
	}

	msgs, err := s.pullUnread(ctx, partnerID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if len(msgs) > 0 {
		return msgs, nil, nil
	}

	w := s.waits.Register(partnerID, conversationID, timeout, s.opts.HeartbeatInterval)
	log.Printf("[BROKER] %s is now listening%s", partnerID, scopeSuffix(conversationID))

	// Close the race window between the unread check and registration.
	if msgs, ok := s.closeListenRace(ctx, partnerID, conversationID, w); ok {
		return msgs, nil, nil
	}
	return nil, w, nil
}

// closeListenRace re-checks unread after w was registered. When a message
// landed in the gap, the registry slot may hold w itself or a wait from a
// newer listen that superseded w in the meantime. The claim can therefore
// return a wait other than w; that wait must be resolved here, since its
// timer is stopped by the claim and nobody else holds it.
func (s *Service) closeListenRace(ctx context.Context, partnerID, conversationID string, w *longpoll.Wait[[]Message]) ([]Message, bool) {
	msgs, err := s.pullUnreadNoMark(ctx, partnerID, conversationID)
	if err != nil || len(msgs) == 0 {
		return nil, false
	}
	claimed := s.waits.Claim(partnerID, conversationID)
	if claimed == nil {
		// A concurrent talk claimed the wait already; it resolves through
		// Done with those messages.
		return nil, false
	}
	if claimed == w {
		w.Discard()
		if err := s.markAllRead(ctx, partnerID, msgs); err != nil {
			log.Printf("[BROKER] mark read for %s: %v", partnerID, err)
		}
		return msgs, true
	}
	s.resolve(ctx, claimed)
	return nil, false
}

func (s *Service) pullUnread(ctx context.Context, partnerID, conversationID string) ([]Message, error) {
	msgs, err := s.pullUnreadNoMark(ctx, partnerID, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		if err := s.markAllRead(ctx, partnerID, msgs); err != nil {
			return nil, apperr.Internal("mark read", err)
		}
	}
	return msgs, nil
}

func (s *Service) pullUnreadNoMark(ctx context.Context, partnerID, conversationID string) ([]Message, error) {
	var msgs []Message
	var err error
	if conversationID != "" {
		msgs, err = s.repo.UnreadMessagesInConversation(ctx, partnerID, conversationID)
	} else {
		msgs, err = s.repo.UnreadMessages(ctx, partnerID)
	}
	if err != nil {
		return nil, apperr.Internal("load unread", err)
	}
	return msgs, nil
}

// AbandonListen handles a client that closed the connection mid-wait: the
// wait is dropped without resolution and the partner goes offline.
func (s *Service) AbandonListen(ctx context.Context, w *longpoll.Wait[[]Message]) {
	s.waits.Cancel(w)
	if err := s.repo.UpdatePartnerStatus(ctx, w.PartnerID, StatusOffline); err != nil {
		log.Printf("[BROKER] set %s offline: %v", w.PartnerID, err)
	}
	log.Printf("[BROKER] %s disconnected", w.PartnerID)
}

func scopeSuffix(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	return " on " + conversationID
}

type GroupInput struct {
	Name         string
	Participants []string
	FriendKeys   []string
}

// CreateGroup validates every participant's friend key before any row is
// written, so a stale key can never leave a partial group behind.
func (s *Service) CreateGroup(ctx context.Context, creator *Partner, in GroupInput) (*Conversation, error) {
	if in.Name == "" || len(in.Participants) == 0 {
		return nil, apperr.Validation("name and participants required")
	}
	if len(in.FriendKeys) != len(in.Participants) {
		return nil, apperr.Validation("friendKeys required, one key per participant")
	}

	members := []string{creator.ID}
	seen := map[string]struct{}{creator.ID: {}}
	for i, pid := range in.Participants {
		if pid == creator.ID {
			continue
		}
		p, err := s.repo.GetPartner(ctx, pid)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound(fmt.Sprintf("partner %q not found", pid))
			}
			return nil, apperr.Internal("load participant", err)
		}
		if p.SecretKey != in.FriendKeys[i] {
			return nil, apperr.Forbidden(fmt.Sprintf("invalid friendKey for participant %q", pid))
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		members = append(members, pid)
	}

	conv := &Conversation{
		ID:        NewGroupConversationID(),
		Name:      in.Name,
		Type:      ConversationGroup,
		CreatedBy: creator.ID,
		CreatedAt: time.Now(),
	}
	if err := s.repo.CreateGroupConversation(ctx, conv, members); err != nil {
		return nil, apperr.Internal("create group", err)
	}
	log.Printf("[BROKER] group conversation created: %s by %s", conv.ID, creator.ID)
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, partnerID string) ([]ConversationSummary, error) {
	convs, err := s.repo.ConversationsByPartner(ctx, partnerID)
	if err != nil {
		return nil, apperr.Internal("list conversations", err)
	}
	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		unread, err := s.repo.CountUnreadInConversation(ctx, partnerID, conv.ID)
		if err != nil {
			return nil, apperr.Internal("count unread", err)
		}
		participants, err := s.repo.ListParticipants(ctx, conv.ID)
		if err != nil {
			return nil, apperr.Internal("load participants", err)
		}
		summaries = append(summaries, ConversationSummary{
			Conversation: conv,
			UnreadCount:  unread,
			Participants: participants,
		})
	}
	return summaries, nil
}

// Leave removes the caller from a group conversation. Direct conversations
// cannot be left; the last participant leaving archives the group.
func (s *Service) Leave(ctx context.Context, partner *Partner, conversationID string) (archived bool, err error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, apperr.NotFound("conversation not found")
		}
		return false, apperr.Internal("load conversation", err)
	}
	if conv.Type == ConversationDirect {
		return false, apperr.Validation("direct conversations cannot be left")
	}
	member, err := s.repo.IsParticipant(ctx, conversationID, partner.ID)
	if err != nil {
		return false, apperr.Internal("check participant", err)
	}
	if !member {
		return false, apperr.Forbidden("not a participant of this conversation")
	}
	archived, err = s.repo.RemoveParticipantAndMaybeArchive(ctx, conversationID, partner.ID)
	if err != nil {
		return false, apperr.Internal("leave conversation", err)
	}
	log.Printf("[BROKER] %s left %s (archived=%v)", partner.ID, conversationID, archived)
	return archived, nil
}

// History returns the conversation plus its most recent messages in
// oldest-to-newest order.
func (s *Service) History(ctx context.Context, partner *Partner, conversationID string, limit int) (*Conversation, []Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.NotFound("conversation not found")
		}
		return nil, nil, apperr.Internal("load conversation", err)
	}
	member, err := s.repo.IsParticipant(ctx, conversationID, partner.ID)
	if err != nil {
		return nil, nil, apperr.Internal("check participant", err)
	}
	if !member {
		return nil, nil, apperr.Forbidden("not a participant of this conversation")
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, nil, apperr.Internal("load messages", err)
	}
	return conv, msgs, nil
}

func (s *Service) Participants(ctx context.Context, partner *Partner, conversationID string) ([]ParticipantInfo, error) {
	member, err := s.repo.IsParticipant(ctx, conversationID, partner.ID)
	if err != nil {
		return nil, apperr.Internal("check participant", err)
	}
	if !member {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	infos, err := s.repo.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, apperr.Internal("load participants", err)
	}
	return infos, nil
}

const previewRunes = 200

// Notifications returns truncated unread previews without advancing any read
// cursor.
func (s *Service) Notifications(ctx context.Context, partnerID string) ([]NotificationPreview, error) {
	msgs, err := s.repo.UnreadMessages(ctx, partnerID)
	if err != nil {
		return nil, apperr.Internal("load unread", err)
	}
	previews := make([]NotificationPreview, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if runes := []rune(content); len(runes) > previewRunes {
			content = string(runes[:previewRunes]) + "..."
		}
		previews = append(previews, NotificationPreview{
			FromID:         m.FromID,
			ConversationID: m.ConversationID,
			Content:        content,
			CreatedAt:      m.CreatedAt,
		})
	}
	return previews, nil
}

type HealthInfo struct {
	Status    string `json:"status"`
	Partners  int64  `json:"partners"`
	Online    int64  `json:"online"`
	Listening int    `json:"listening"`
}

func (s *Service) Health(ctx context.Context) (*HealthInfo, error) {
	total, online, err := s.repo.CountPartners(ctx)
	if err != nil {
		return nil, apperr.Internal("count partners", err)
	}
	return &HealthInfo{
		Status:    "ok",
		Partners:  total,
		Online:    online,
		Listening: s.waits.Len(),
	}, nil
}

// IsListening reports whether the partner holds an open wait.
func (s *Service) IsListening(partnerID string) bool {
	return s.waits.IsWaiting(partnerID)
}
