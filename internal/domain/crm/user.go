package crm

import (
	"time"

	"github.com/globus/atlas/internal/domain/identity"
)

// MaxFailedAttempts bans a user after this many wrong auth codes
const MaxFailedAttempts = 5

// User is a staff account
type User struct {
	Login          string          `json:"login"`
	Name           string          `json:"name"`
	Title          string          `json:"title,omitempty"`
	Access         identity.Grants `json:"access"`
	Messenger      string          `json:"messenger,omitempty"`
	Banned         bool            `json:"banned"`
	FailedAttempts int             `json:"failedAttempts"`
	LastOnline     *time.Time      `json:"lastOnline,omitempty"`
	LastLogin      *time.Time      `json:"lastLogin,omitempty"`
}

// Staff converts the account to the identity carried by requests
func (u *User) Staff(session string) *identity.Staff {
	return &identity.Staff{
		Login:   u.Login,
		Name:    u.Name,
		Session: session,
		Grants:  u.Access,
	}
}

// Session binds an opaque token to a login until Expire (unix seconds).
// CodeHash holds the bcrypt hash of the one-time code that activates it.
type Session struct {
	Token     string `json:"session"`
	Login     string `json:"login"`
	Expire    int64  `json:"expire"`
	Created   int64  `json:"created"`
	CodeHash  string `json:"-"`
	Confirmed bool   `json:"confirmed"`
}

// Live reports whether the session is confirmed and not expired at now
func (s *Session) Live(now time.Time) bool {
	return s.Confirmed && s.Expire >= now.Unix()
}
