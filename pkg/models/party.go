package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Party is a capacity-limited gathering that users reserve a spot in.
type Party struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Title       string    `json:"title" gorm:"not null"`
	Description string    `json:"description"`
	Capacity    uint      `json:"capacity" gorm:"not null"`
	Cancelled   bool      `json:"cancelled" gorm:"default:false"`
	StartTime   time.Time `json:"start_time" gorm:"index"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p *Party) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return
}

// Participation links a user to a party. One row per (party, user); the
// composite unique index is the structural backstop against duplicate joins.
type Participation struct {
	ID       uint      `json:"id" gorm:"primaryKey"`
	PartyID  uuid.UUID `json:"party_id" gorm:"type:uuid;not null;index:idx_party_user,unique"`
	UserID   string    `json:"user_id" gorm:"not null;index:idx_party_user,unique"`
	Standby  bool      `json:"standby" gorm:"default:false"`
	JoinedAt time.Time `json:"joined_at" gorm:"autoCreateTime"`

	Party *Party `json:"-" gorm:"foreignKey:PartyID;constraint:OnDelete:CASCADE"`
}

// PartyWaitState is the monotonic change counter for a party's waiting room.
// Created in the same transaction as its party, bumped on every committed
// mutation, never decremented or reset. Pollers compare against Version.
type PartyWaitState struct {
	PartyID   uuid.UUID `json:"party_id" gorm:"type:uuid;primaryKey"`
	Version   uint64    `json:"version" gorm:"not null;default:1"`
	UpdatedAt time.Time `json:"updated_at"`

	Party *Party `json:"-" gorm:"foreignKey:PartyID;constraint:OnDelete:CASCADE"`
}
