package models

import (
	"time"

	"gorm.io/datatypes"
)

type EmailStatus string

const (
	EmailSending             EmailStatus = "sending"
	EmailSent                EmailStatus = "sent"
	EmailRecvNoReply         EmailStatus = "recv_no_reply"
	EmailRecvAnswered        EmailStatus = "recv_answered"
	EmailRecvNoReplyRequired EmailStatus = "recv_no_reply_required"
	EmailRecvHint            EmailStatus = "recv_hint"
	EmailRecvBounce          EmailStatus = "recv_bounce"
	EmailRecvUnsubscribe     EmailStatus = "recv_unsubscribe"
	EmailRecvResubscribe     EmailStatus = "recv_resubscribe"
	EmailDraft               EmailStatus = "draft"
	EmailCancelled           EmailStatus = "cancelled"
)

// Email stores the raw message together with the fields derived from it.
// Inbound rows carry the IMAP coordinates they were fetched from.
type Email struct {
	BaseModel
	RawContent      []byte                      `json:"-"`
	Subject         string                      `json:"subject"`
	BodyText        string                      `json:"body_text"`
	BodyHTML        string                      `json:"body_html"`
	MessageID       string                      `gorm:"uniqueIndex;size:512;not null" json:"message_id"`
	InReplyToID     string                      `gorm:"size:512" json:"in_reply_to_id"`
	RootReferenceID string                      `gorm:"index;size:512" json:"root_reference_id"`
	ReferenceIDs    datatypes.JSONSlice[string] `json:"reference_ids"`
	FromAddress     string                      `gorm:"index" json:"from_address"`
	ToAddresses     datatypes.JSONSlice[string] `json:"to_addresses"`
	CcAddresses     datatypes.JSONSlice[string] `json:"cc_addresses"`
	BccAddresses    datatypes.JSONSlice[string] `json:"bcc_addresses"`
	IsFromUs        bool                        `gorm:"default:false" json:"is_from_us"`
	IsAuthenticated bool                        `gorm:"default:false" json:"is_authenticated"`
	IsSpam          bool                        `gorm:"default:false" json:"is_spam"`

	UIDValidity *uint32 `gorm:"column:uid_validity;uniqueIndex:idx_email_imap" json:"uidvalidity,omitempty"`
	UID         *uint32 `gorm:"column:uid;uniqueIndex:idx_email_imap" json:"uid,omitempty"`
	ModSeq      *uint64 `gorm:"column:mod_seq" json:"modseq,omitempty"`

	Status     EmailStatus `gorm:"not null;index" json:"status"`
	TeamID     *uint       `gorm:"index" json:"team_id,omitempty"`
	ResponseID *uint       `json:"response_id,omitempty"`
	TemplateID *uint       `gorm:"index" json:"template_id,omitempty"`

	ScheduledDatetime     time.Time  `gorm:"not null" json:"scheduled_datetime"`
	AttemptedSendDatetime *time.Time `json:"attempted_send_datetime,omitempty"`
	ReceivedDatetime      *time.Time `json:"received_datetime,omitempty"`

	Team *Team `gorm:"foreignKey:TeamID" json:"-"`
}

// Recipients is the union of To, Cc and Bcc.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.ToAddresses)+len(e.CcAddresses)+len(e.BccAddresses))
	out = append(out, e.ToAddresses...)
	out = append(out, e.CcAddresses...)
	out = append(out, e.BccAddresses...)
	return out
}

// Inbound reports whether the row was received rather than composed here.
func (e *Email) Inbound() bool {
	switch e.Status {
	case EmailRecvNoReply, EmailRecvAnswered, EmailRecvNoReplyRequired, EmailRecvHint,
		EmailRecvBounce, EmailRecvUnsubscribe, EmailRecvResubscribe:
		return true
	}
	return false
}

type TemplateStatus string

const (
	TemplateDraft     TemplateStatus = "draft"
	TemplateScheduled TemplateStatus = "scheduled"
	TemplateSending   TemplateStatus = "sending"
	TemplateSent      TemplateStatus = "sent"
	TemplateCancelled TemplateStatus = "cancelled"
)

type RecipientMode string

const (
	RecipientsAllTeams         RecipientMode = "all_teams"
	RecipientsBatchedAddresses RecipientMode = "batched_addresses"
)

// EmailTemplate is a mass send. LastTeamID and LastAddressIndex are the
// resumption cursors; LastAddressIndex starts at -1.
type EmailTemplate struct {
	BaseModel
	Subject           string                      `gorm:"not null" json:"subject"`
	BodyText          string                      `json:"body_text"`
	BodyHTML          string                      `json:"body_html"`
	FromAddress       string                      `gorm:"not null" json:"from_address"`
	ScheduledDatetime time.Time                   `gorm:"not null;index" json:"scheduled_datetime"`
	Status            TemplateStatus              `gorm:"not null;index" json:"status"`
	RecipientMode     RecipientMode               `gorm:"not null" json:"recipient_mode"`
	Addresses         datatypes.JSONSlice[string] `json:"addresses"`
	LastTeamID        uint                        `gorm:"default:0" json:"last_team_id"`
	LastAddressIndex  int                         `gorm:"default:-1" json:"last_address_index"`
	BatchSize         int                         `gorm:"default:50" json:"batch_size"`
	BatchDelayMS      int                         `gorm:"default:0" json:"batch_delay_ms"`
}

type BadAddressReason string

const (
	BadAddressBounced      BadAddressReason = "bounced"
	BadAddressUnsubscribed BadAddressReason = "unsubscribed"
)

// BadEmailAddress suppresses delivery. Address is stored lower-cased.
type BadEmailAddress struct {
	BaseModel
	Address string           `gorm:"uniqueIndex;not null" json:"address"`
	Reason  BadAddressReason `gorm:"not null" json:"reason"`
}
