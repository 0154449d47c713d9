// Package domain holds the lobby's value types: listings, search criteria,
// statistics and status entries. Nothing here touches transport or storage.
package domain

import (
	"errors"
	"strings"
)

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// User is the identity attached to a lobby connection.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewGuest builds the identity a connection has before it names itself.
func NewGuest(id UserID) *User {
	return &User{ID: id, Username: "guest"}
}

func (u *User) SetUsername(username string) error {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}
