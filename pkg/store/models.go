package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"index;not null"`
	PlanName  string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type FileModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerID      string `gorm:"not null;index"`
	Name         string `gorm:"not null"`
	StorageKey   string `gorm:"uniqueIndex;not null"`
	URL          string
	Status       string `gorm:"not null"`
	ErrorMessage string
	PageCount    int
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID            string    `gorm:"primaryKey"`
	FileID        string    `gorm:"not null;index"`
	UserID        string    `gorm:"not null;index"`
	Text          string    `gorm:"type:text;not null"`
	IsUserMessage bool      `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index"`
}

type ChunkModel struct {
	ID        string           `gorm:"primaryKey"`
	FileID    string           `gorm:"not null;index"`
	Text      string           `gorm:"type:text;not null"`
	Metadata  datatypes.JSON   `gorm:"type:jsonb"`
	Embedding *pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt time.Time        `gorm:"not null;index"`
}
