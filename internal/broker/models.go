package broker

import "time"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Partner is a registered agent identity. The secret key is generated once at
// first registration and never leaves the server except toward its owner.
type Partner struct {
	ID                   string    `gorm:"primaryKey;size:64" json:"id"`
	Name                 string    `gorm:"size:128;not null" json:"name"`
	SecretKey            string    `gorm:"size:128;uniqueIndex;not null" json:"-"`
	ProjectPath          string    `gorm:"size:512" json:"project_path,omitempty"`
	Status               string    `gorm:"size:16;not null;default:online" json:"status"`
	StatusMessage        *string   `gorm:"size:512" json:"status_message,omitempty"`
	NotificationsEnabled bool      `gorm:"not null;default:true" json:"notifications_enabled"`
	CreatedAt            time.Time `json:"created_at"`
	LastSeen             time.Time `json:"last_seen"`
}

func (Partner) TableName() string { return "partners" }

type Conversation struct {
	ID         string    `gorm:"primaryKey;size:192" json:"id"`
	Name       string    `gorm:"size:128" json:"name,omitempty"`
	Type       string    `gorm:"size:16;not null" json:"type"`
	CreatedBy  string    `gorm:"size:64;not null" json:"created_by"`
	IsArchived bool      `gorm:"not null;default:false" json:"is_archived"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Conversation) TableName() string { return "conversations" }

// Participant is the membership row; the read cursor lives here, not on the
// message.
type Participant struct {
	ConversationID string     `gorm:"primaryKey;size:192" json:"conversation_id"`
	PartnerID      string     `gorm:"primaryKey;size:64;index" json:"partner_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

func (Participant) TableName() string { return "participants" }

// Message is immutable once appended.
type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"size:192;not null;index:idx_messages_conv_created,priority:1" json:"conversation_id"`
	FromID         string    `gorm:"size:64;not null;index" json:"from_id"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conv_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// ParticipantInfo is the public view of a conversation member.
type ParticipantInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// ConversationSummary is one entry of a partner's conversation list.
type ConversationSummary struct {
	Conversation
	UnreadCount  int64             `json:"unread_count"`
	Participants []ParticipantInfo `json:"participants"`
}

// PartnerView is the public partner listing entry (no secret).
type PartnerView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	StatusMessage *string   `json:"status_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeen      time.Time `json:"last_seen"`
	IsListening   bool      `json:"is_listening"`
}

// NotificationPreview is a truncated unread message; reading it does not
// advance the read cursor.
type NotificationPreview struct {
	FromID         string    `json:"from_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
