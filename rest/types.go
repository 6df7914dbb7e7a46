package rest

import "time"

// Capsule is a shared, owned collection of memories with contributor roles.
type Capsule struct {
	ID          string    `json:"_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	OwnerID     string    `json:"owner"`
	Members     []Member  `json:"members"`
	IsPublic    bool      `json:"isPublic"`
	InviteCode  string    `json:"inviteCode"`
	MemoryCount int       `json:"memoryCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Member struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// Memory is one user-contributed item inside a capsule. Kind is one of
// "text", "image", "video" or "audio".
type Memory struct {
	ID        string     `json:"_id"`
	CapsuleID string     `json:"capsule"`
	AuthorID  string     `json:"author"`
	Kind      string     `json:"type"`
	Caption   string     `json:"caption"`
	MediaURL  string     `json:"mediaUrl"`
	IsPinned  bool       `json:"isPinned"`
	Reactions []Reaction `json:"reactions"`
	Comments  []Comment  `json:"comments"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Reaction is the durable reaction persisted against a memory, as opposed to
// the ephemeral live-reaction broadcast.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

type Comment struct {
	ID        string    `json:"_id"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Page describes the server's pagination envelope.
type Page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type CapsulePage struct {
	Capsules   []Capsule `json:"capsules"`
	Pagination Page      `json:"pagination"`
}

type MemoryPage struct {
	Memories   []Memory `json:"memories"`
	Pagination Page     `json:"pagination"`
}

// CreateCapsuleRequest is the body for creating or updating a capsule.
type CreateCapsuleRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	IsPublic    bool   `json:"isPublic"`
}

// CreateMemoryRequest is the body for posting a memory. The capsule travels
// in the body, not the path. MediaURL is produced by the external upload
// collaborator; this client never handles file bytes.
type CreateMemoryRequest struct {
	CapsuleID string `json:"capsuleId"`
	Kind      string `json:"type"`
	Caption   string `json:"caption,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
}

// UpdateMemoryRequest is the body for editing a memory's mutable fields.
type UpdateMemoryRequest struct {
	Caption string `json:"caption,omitempty"`
}
