// internal/model/recipient.go
package model

import "time"

// Recipient item statuses.
const (
	RecipientPending = "pending"
	RecipientSent    = "sent"
	RecipientFailed  = "failed"
)

// Recipient is one destination within a campaign.
type Recipient struct {
	ID              int64      `db:"id" json:"id"`
	CampaignID      int64      `db:"campaign_id" json:"campaign_id"`
	PhoneRaw        string     `db:"phone_raw" json:"phone_raw"`
	PhoneNormalized string     `db:"phone_normalized" json:"phone_normalized"`
	ToE164          string     `db:"to_e164" json:"to_e164"`
	Status          string     `db:"status" json:"status"` // pending, sent, failed
	Attempts        int        `db:"attempts" json:"attempts"`
	LastError       string     `db:"last_error,omitempty" json:"last_error,omitempty"`
	SentAt          *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// DeliveryLog is the append-only record of a delivered recipient.
// (campaign_id, item_id) is unique.
type DeliveryLog struct {
	ID         int64     `db:"id" json:"id"`
	CampaignID int64     `db:"campaign_id" json:"campaign_id"`
	ItemID     int64     `db:"item_id" json:"item_id"`
	ToPhone    string    `db:"to_phone" json:"to_phone"`
	Status     string    `db:"status" json:"status"`
	SentAt     time.Time `db:"sent_at" json:"sent_at"`
}
