package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OTPCode stores one issued email verification code. Rows are never deleted
// by the OTP flow itself; superseded and consumed codes keep their history.
type OTPCode struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`

	// Email snapshots the destination at issuance so a concurrent address
	// change cannot redirect an in-flight code.
	Email string `gorm:"not null" json:"email"`

	Code      string    `gorm:"size:6;not null" json:"-"`
	IssuedAt  time.Time `gorm:"not null;index" json:"issued_at"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`

	Used     bool `gorm:"default:false;index" json:"used"`
	Attempts int  `gorm:"default:0" json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *OTPCode) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// OTPPhase is the lifecycle phase of a code: active or terminally consumed.
type OTPPhase int

const (
	// OTPActive means the code can still be matched or retried.
	OTPActive OTPPhase = iota
	// OTPConsumed is terminal; no transitions lead out of it.
	OTPConsumed
)

// Phase reports the record's lifecycle phase.
func (c *OTPCode) Phase() OTPPhase {
	if c.Used {
		return OTPConsumed
	}
	return OTPActive
}

// ExpiredAt reports whether the code's validity window has elapsed.
func (c *OTPCode) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
