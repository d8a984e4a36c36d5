package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID            string
	DisplayName   string
	Email         string
	PasswordHash  string
	Role          string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Post is a board entry. AuthorName and AuthorRole are joined from users at read time.
type Post struct {
	ID         string
	Title      string
	Body       string
	AuthorID   string
	AuthorName string
	AuthorRole string
	Visibility string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const (
	PostStatusActive  = "active"
	PostStatusDeleted = "deleted"
)

type GrantUser struct {
	ID   string
	Name string
	Role string
}

// Grants is the full grant set of one post.
type Grants struct {
	Roles []string
	Users []GrantUser
}

func (g Grants) UserIDs() []string {
	ids := make([]string, 0, len(g.Users))
	for _, user := range g.Users {
		ids = append(ids, user.ID)
	}
	return ids
}

type Reply struct {
	ID         string
	PostID     string
	AuthorID   string
	AuthorName string
	AuthorRole string
	Body       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ActivityEntry struct {
	ID         string
	UserID     string
	UserName   string
	Action     string
	EntityType string
	EntityID   string
	Details    json.RawMessage
	CreatedAt  time.Time
}
