package store

import "time"

type User struct {
	ID           string
	Login        string
	PasswordHash string
	CreatedAt    time.Time
}

type Project struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	CreatedAt   time.Time
}

// ProjectAccess is one stored grant row. The owner never has a row; owner
// access is implicit.
type ProjectAccess struct {
	ID        string
	ProjectID string
	UserID    string
	CanAccess bool
}

type Document struct {
	ID        string
	ProjectID string
	Name      string
	CreatedAt time.Time
}

// AccessEntry is a grant joined with the grantee's login, as returned by the
// access listing.
type AccessEntry struct {
	UserID    string
	Login     string
	CanAccess bool
}
