package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Choice identifies one side of a balance question.
type Choice string

const (
	ChoiceA Choice = "A"
	ChoiceB Choice = "B"
)

// Valid reports whether c is one of the two allowed values.
func (c Choice) Valid() bool {
	return c == ChoiceA || c == ChoiceB
}

// Round is one balance-game session for a party. The uuid primary key doubles
// as the opaque, non-guessable token handed to clients. At most one round per
// party may be active at a time; that invariant is checked under the party
// row lock at creation.
type Round struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	PartyID   uuid.UUID  `json:"party_id" gorm:"type:uuid;not null;index"`
	Active    bool       `json:"active" gorm:"default:true;index"`
	CreatedBy string     `json:"created_by"`
	ModelUsed string     `json:"model_used" gorm:"type:varchar(40)"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at"`

	Party     *Party     `json:"-" gorm:"foreignKey:PartyID;constraint:OnDelete:CASCADE"`
	Questions []Question `json:"questions,omitempty" gorm:"foreignKey:RoundID"`
}

func (r *Round) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

// Question is a single A-or-B item within a round. Tallies only ever grow;
// increments are applied as SQL deltas, never as read-modify-write.
type Question struct {
	ID      uint      `json:"id" gorm:"primaryKey"`
	RoundID uuid.UUID `json:"round_id" gorm:"type:uuid;not null;index:idx_round_order,unique"`
	Order   uint      `json:"order" gorm:"column:display_order;not null;index:idx_round_order,unique"`
	TextA   string    `json:"text_a" gorm:"type:varchar(80);not null"`
	TextB   string    `json:"text_b" gorm:"type:varchar(80);not null"`
	CountA  uint      `json:"count_a" gorm:"default:0"`
	CountB  uint      `json:"count_b" gorm:"default:0"`

	Round *Round `json:"-" gorm:"foreignKey:RoundID;constraint:OnDelete:CASCADE"`
}

// Vote records one user's choice on one question. The (question, user)
// unique index enforces one vote per user structurally; a racing second
// insert fails at the database, not just at the pre-check.
type Vote struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	QuestionID uint      `json:"question_id" gorm:"not null;index:idx_question_user,unique"`
	UserID     string    `json:"user_id" gorm:"not null;index:idx_question_user,unique"`
	Choice     Choice    `json:"choice" gorm:"type:varchar(1);not null"`
	CastAt     time.Time `json:"cast_at" gorm:"autoCreateTime"`

	Question *Question `json:"-" gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
}

// RoundState mirrors PartyWaitState for a round: the version pollers and
// push consumers use to detect tally changes.
type RoundState struct {
	RoundID   uuid.UUID `json:"round_id" gorm:"type:uuid;primaryKey"`
	Version   uint64    `json:"version" gorm:"not null;default:1"`
	UpdatedAt time.Time `json:"updated_at"`

	Round *Round `json:"-" gorm:"foreignKey:RoundID;constraint:OnDelete:CASCADE"`
}
