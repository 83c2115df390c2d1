package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID                 uuid.UUID  `json:"id"`
	Username           string     `json:"username"`
	PasswordHash       string     `json:"-"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastLogin          *time.Time `json:"lastLogin,omitempty"`
	Active             bool       `json:"active"`
	MustChangePassword bool       `json:"mustChangePassword"`
}

type ChannelKind string

const (
	ChannelKindVoice ChannelKind = "voice"
	ChannelKindText  ChannelKind = "text"
)

type ChannelPersistence string

const (
	ChannelPermanent     ChannelPersistence = "permanent"
	ChannelSemiPermanent ChannelPersistence = "semi_permanent"
	ChannelTemporary     ChannelPersistence = "temporary"
)

type Channel struct {
	ID           uuid.UUID          `json:"id"`
	Name         string             `json:"name"`
	ParentID     *uuid.UUID         `json:"parentID,omitempty"`
	Topic        string             `json:"topic"`
	PasswordHash string             `json:"-"`
	MaxClients   int                `json:"maxClients"` // 0 = unbounded
	Default      bool               `json:"default"`
	SortOrder    int                `json:"sortOrder"`
	Kind         ChannelKind        `json:"kind"`
	Persistence  ChannelPersistence `json:"persistence"`
	E2E          bool               `json:"e2e"`
	CreatedAt    time.Time          `json:"createdAt"`
}

func (c *Channel) HasPassword() bool {
	return c.PasswordHash != ""
}

type ServerGroup struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Priority int       `json:"priority"` // display only
}

type ChannelGroup struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// TriState is one arm of a permission value. Deny beats grant, grant
// beats skip; skip defers to the next resolver layer.
type TriState string

const (
	TriStateGrant TriState = "grant"
	TriStateDeny  TriState = "deny"
	TriStateSkip  TriState = "skip"
)

type PermValueKind string

const (
	PermTriState PermValueKind = "tri_state"
	PermIntLimit PermValueKind = "int_limit"
	PermScope    PermValueKind = "scope"
)

// PermValue is the tagged variant carried by every permission row.
type PermValue struct {
	Kind     PermValueKind `json:"kind"`
	TriState TriState      `json:"triState,omitempty"`
	IntLimit int64         `json:"intLimit,omitempty"`
	Scope    []string      `json:"scope,omitempty"`
}

func Grant() PermValue { return PermValue{Kind: PermTriState, TriState: TriStateGrant} }
func Deny() PermValue  { return PermValue{Kind: PermTriState, TriState: TriStateDeny} }
func Skip() PermValue  { return PermValue{Kind: PermTriState, TriState: TriStateSkip} }
func Limit(n int64) PermValue {
	return PermValue{Kind: PermIntLimit, IntLimit: n}
}

type PermTargetType string

const (
	TargetUser           PermTargetType = "user"
	TargetServerGroup    PermTargetType = "server_group"
	TargetChannelGroup   PermTargetType = "channel_group"
	TargetServerDefault  PermTargetType = "server_default"
	TargetChannelDefault PermTargetType = "channel_default"
)

type Permission struct {
	TargetType PermTargetType `json:"targetType"`
	TargetID   uuid.UUID      `json:"targetID"`
	Key        string         `json:"key"`
	Value      PermValue      `json:"value"`
}

type Ban struct {
	ID        uuid.UUID  `json:"id"`
	UserID    *uuid.UUID `json:"userID,omitempty"`
	IP        string     `json:"ip,omitempty"` // CIDR allowed
	Reason    string     `json:"reason"`
	BannedBy  *uuid.UUID `json:"bannedBy,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"` // nil = permanent
	CreatedAt time.Time  `json:"createdAt"`
}

type AuditLogEntry struct {
	ID         uuid.UUID      `json:"id"`
	ActorID    *uuid.UUID     `json:"actorID,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"targetType,omitempty"`
	TargetID   string         `json:"targetID,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type Invite struct {
	ID            uuid.UUID  `json:"id"`
	Code          string     `json:"code"`
	ChannelID     *uuid.UUID `json:"channelID,omitempty"`
	AssignedGroup *uuid.UUID `json:"assignedGroup,omitempty"`
	MaxUses       int        `json:"maxUses"` // 0 = unlimited
	UsedCount     int        `json:"usedCount"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	CreatedBy     uuid.UUID  `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

type ChatMessage struct {
	ID        uuid.UUID   `json:"id"`
	ChannelID uuid.UUID   `json:"channelID"`
	SenderID  uuid.UUID   `json:"senderID"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
	ReplyTo   *uuid.UUID  `json:"replyTo,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	EditedAt  *time.Time  `json:"editedAt,omitempty"`
	DeletedAt *time.Time  `json:"deletedAt,omitempty"`
}

type File struct {
	ID          uuid.UUID  `json:"id"`
	ChannelID   uuid.UUID  `json:"channelID"`
	UploaderID  uuid.UUID  `json:"uploaderID"`
	Filename    string     `json:"filename"`
	Mime        string     `json:"mime"`
	Size        int64      `json:"size"`
	StoragePath string     `json:"-"`
	Sha256      string     `json:"sha256"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

type ApiToken struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"userID"`
	Description string     `json:"description"`
	Scopes      []string   `json:"scopes"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"tokenPrefix"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Revoked     bool       `json:"revoked"`
}

func (t *ApiToken) Valid(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

func (t *ApiToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
