package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModalityQuirk adapts outgoing C-FIND queries to known manufacturer
// behaviors.
type ModalityQuirk string

const (
	QuirkGeneric                    ModalityQuirk = "Generic"
	QuirkGenericNoWildcardInDates   ModalityQuirk = "GenericNoWildcardInDates"
	QuirkGenericNoUniversalWildcard ModalityQuirk = "GenericNoUniversalWildcard"
	QuirkGE                         ModalityQuirk = "GE"
)

// Modality is a remote DICOM application entity this server can talk to.
type Modality struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Symbolic  string        `gorm:"type:varchar(64);uniqueIndex;not null" json:"symbolic"`
	AET       string        `gorm:"type:varchar(16);not null" json:"aet"`
	Host      string        `gorm:"type:varchar(255);not null" json:"host"`
	Port      int           `gorm:"not null" json:"port"`
	Quirk     ModalityQuirk `gorm:"type:varchar(50);default:'Generic'" json:"quirk"`
	IsActive  bool          `json:"is_active"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (Modality) TableName() string {
	return "modalities"
}

// BeforeCreate hook
func (m *Modality) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// Peer is a remote archive reachable over HTTP.
type Peer struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Symbolic  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"symbolic"`
	URL       string    `gorm:"type:varchar(500);not null" json:"url"`
	Username  string    `gorm:"type:varchar(255)" json:"username,omitempty"`
	Password  string    `gorm:"type:text" json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Peer) TableName() string {
	return "peers"
}

// BeforeCreate hook
func (p *Peer) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
