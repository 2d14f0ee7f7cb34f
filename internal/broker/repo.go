package broker

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// ---- partners ----

func (r *Repo) CreatePartner(ctx context.Context, p *Partner) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *Repo) GetPartner(ctx context.Context, id string) (*Partner, error) {
	var p Partner
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPartnerByKey is the authentication primitive: every authenticated
// operation resolves the caller through this lookup.
func (r *Repo) GetPartnerByKey(ctx context.Context, secretKey string) (*Partner, error) {
	var p Partner
	if err := r.db.WithContext(ctx).First(&p, "secret_key = ?", secretKey).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePartnerProfile refreshes name/projectPath on re-registration. The
// secret key is never touched here.
func (r *Repo) UpdatePartnerProfile(ctx context.Context, id, name, projectPath string) error {
	return r.db.WithContext(ctx).Model(&Partner{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"name":         name,
			"project_path": projectPath,
			"status":       StatusOnline,
			"last_seen":    time.Now(),
		}).Error
}

// UpdatePartnerStatus is idempotent and refreshes last_seen.
func (r *Repo) UpdatePartnerStatus(ctx context.Context, id, status string) error {
	return r.db.WithContext(ctx).Model(&Partner{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":    status,
			"last_seen": time.Now(),
		}).Error
}

func (r *Repo) SetStatusMessage(ctx context.Context, id string, message *string) error {
	return r.db.WithContext(ctx).Model(&Partner{}).
		Where("id = ?", id).
		Update("status_message", message).Error
}

func (r *Repo) SetNotificationsEnabled(ctx context.Context, id string, enabled bool) error {
	return r.db.WithContext(ctx).Model(&Partner{}).
		Where("id = ?", id).
		Update("notifications_enabled", enabled).Error
}

func (r *Repo) ListPartners(ctx context.Context, search string) ([]Partner, error) {
	q := r.db.WithContext(ctx).Order("last_seen DESC")
	if search != "" {
		like := "%" + search + "%"
		q = q.Where("LOWER(id) LIKE LOWER(?) OR LOWER(name) LIKE LOWER(?)", like, like)
	}
	var partners []Partner
	if err := q.Find(&partners).Error; err != nil {
		return nil, err
	}
	return partners, nil
}

func (r *Repo) CountPartners(ctx context.Context) (total, online int64, err error) {
	if err = r.db.WithContext(ctx).Model(&Partner{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err = r.db.WithContext(ctx).Model(&Partner{}).
		Where("status = ?", StatusOnline).Count(&online).Error; err != nil {
		return 0, 0, err
	}
	return total, online, nil
}

// ---- conversations ----

func (r *Repo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// EnsureDirectConversation resolves the deterministic direct conversation for
// the pair, creating it and both participant rows if absent. Safe under
// concurrent calls from both sides: conflict-ignoring inserts keep the
// "one direct conversation per unordered pair" invariant at the store level
// instead of read-then-write.
func (r *Repo) EnsureDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	id := DirectConversationID(a, b)
	now := time.Now()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv := Conversation{
			ID:        id,
			Type:      ConversationDirect,
			CreatedBy: a,
			CreatedAt: now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv).Error; err != nil {
			return err
		}
		rows := []Participant{
			{ConversationID: id, PartnerID: a, JoinedAt: now},
			{ConversationID: id, PartnerID: b, JoinedAt: now},
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return r.GetConversation(ctx, id)
}

// CreateGroupConversation inserts the conversation and all membership rows in
// one transaction. participantIDs must already be validated and deduplicated.
func (r *Repo) CreateGroupConversation(ctx context.Context, conv *Conversation, participantIDs []string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		rows := make([]Participant, 0, len(participantIDs))
		for _, pid := range participantIDs {
			rows = append(rows, Participant{
				ConversationID: conv.ID,
				PartnerID:      pid,
				JoinedAt:       now,
			})
		}
		return tx.Create(&rows).Error
	})
}

func (r *Repo) IsParticipant(ctx context.Context, conversationID, partnerID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ? AND partner_id = ?", conversationID, partnerID).
		Count(&count).Error
	return count > 0, err
}

func (r *Repo) ListParticipants(ctx context.Context, conversationID string) ([]ParticipantInfo, error) {
	var infos []ParticipantInfo
	err := r.db.WithContext(ctx).Model(&Participant{}).
		Select("partners.id AS id, partners.name AS name, participants.joined_at AS joined_at").
		Joins("JOIN partners ON partners.id = participants.partner_id").
		Where("participants.conversation_id = ?", conversationID).
		Order("participants.joined_at ASC").
		Scan(&infos).Error
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (r *Repo) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ?", conversationID).
		Pluck("partner_id", &ids).Error
	return ids, err
}

func (r *Repo) ConversationsByPartner(ctx context.Context, partnerID string) ([]Conversation, error) {
	var convs []Conversation
	err := r.db.WithContext(ctx).Model(&Conversation{}).
		Select("conversations.*").
		Joins("JOIN participants ON participants.conversation_id = conversations.id").
		Where("participants.partner_id = ?", partnerID).
		Order("conversations.created_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// RemoveParticipantAndMaybeArchive deletes the membership row and archives the
// conversation when the last participant is gone. Conversations are never
// deleted.
func (r *Repo) RemoveParticipantAndMaybeArchive(ctx context.Context, conversationID, partnerID string) (archived bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Participant{}, "conversation_id = ? AND partner_id = ?", conversationID, partnerID).Error; err != nil {
			return err
		}
		var remaining int64
		if err := tx.Model(&Participant{}).
			Where("conversation_id = ?", conversationID).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			archived = true
			return tx.Model(&Conversation{}).
				Where("id = ?", conversationID).
				Update("is_archived", true).Error
		}
		return nil
	})
	return archived, err
}

// ---- messages ----

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) unreadQuery(ctx context.Context, partnerID string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&Message{}).
		Joins("JOIN participants ON participants.conversation_id = messages.conversation_id AND participants.partner_id = ?", partnerID).
		Where("messages.from_id <> ?", partnerID).
		Where("participants.last_read_at IS NULL OR messages.created_at > participants.last_read_at")
}

// UnreadMessages returns everything unread for the partner across all of its
// conversations, oldest first.
func (r *Repo) UnreadMessages(ctx context.Context, partnerID string) ([]Message, error) {
	var msgs []Message
	err := r.unreadQuery(ctx, partnerID).
		Select("messages.*").
		Order("messages.created_at ASC, messages.id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) UnreadMessagesInConversation(ctx context.Context, partnerID, conversationID string) ([]Message, error) {
	var msgs []Message
	err := r.unreadQuery(ctx, partnerID).
		Select("messages.*").
		Where("messages.conversation_id = ?", conversationID).
		Order("messages.created_at ASC, messages.id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) CountUnreadInConversation(ctx context.Context, partnerID, conversationID string) (int64, error) {
	var count int64
	err := r.unreadQuery(ctx, partnerID).
		Where("messages.conversation_id = ?", conversationID).
		Count(&count).Error
	return count, err
}

// MarkConversationRead advances the partner's read cursor to now.
func (r *Repo) MarkConversationRead(ctx context.Context, conversationID, partnerID string) error {
	return r.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ? AND partner_id = ?", conversationID, partnerID).
		Update("last_read_at", time.Now()).Error
}

// ListMessages returns the most recent messages of a conversation in
// oldest-to-newest order, bounded by limit.
func (r *Repo) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
