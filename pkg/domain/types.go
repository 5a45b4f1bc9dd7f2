package domain

import "time"

type FileStatus string

const (
	StatusPending    FileStatus = "PENDING"
	StatusProcessing FileStatus = "PROCESSING"
	StatusSuccess    FileStatus = "SUCCESS"
	StatusFailed     FileStatus = "FAILED"
)

// Terminal reports whether no further automatic transition occurs.
func (s FileStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// User is an account mirrored from the external identity provider.
// The ID is the provider's subject claim.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	PlanName  string    `json:"planName"`
	CreatedAt time.Time `json:"createdAt"`
}

// File is one uploaded PDF and its processing state.
type File struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"ownerId"`
	Name         string     `json:"name"`
	StorageKey   string     `json:"-"`
	URL          string     `json:"url"`
	Status       FileStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	PageCount    int        `json:"pageCount"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Message is one chat turn. UserID is denormalized from the owning file so
// authorization checks do not need a join.
type Message struct {
	ID            string    `json:"id"`
	FileID        string    `json:"fileId"`
	UserID        string    `json:"userId"`
	Text          string    `json:"text"`
	IsUserMessage bool      `json:"isUserMessage"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Chunk is one indexed unit of extracted page text. Metadata carries the
// source location (e.g. "page" -> "3") used for prompt source labels.
type Chunk struct {
	ID        string            `json:"id"`
	FileID    string            `json:"fileId"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"createdAt"`
}
