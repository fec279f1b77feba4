package model

import "time"

// DefaultSessionDuration applies when the server does not report a session timeout.
const DefaultSessionDuration = 60 * time.Minute

// Identity is the logged-in user as seen by the session coordinator.
type Identity struct {
	ID                     int64
	DisplayName            string
	SessionDurationSeconds int
}

// User is the user document returned by the session endpoints.
type User struct {
	UserID                  int64  `json:"userId"`
	UserNickname            string `json:"userNickname"`
	ProfileImgURL           string `json:"profileImgUrl,omitempty"`
	SessionTimeoutInMinutes int64  `json:"sessionTimeoutInMinutes,omitempty"`
}

// Identity converts the user document, falling back to fallback when the
// server did not report a session timeout.
func (u User) Identity(fallback time.Duration) Identity {
	seconds := int(u.SessionTimeoutInMinutes) * 60
	if seconds <= 0 {
		seconds = int(fallback / time.Second)
	}
	return Identity{
		ID:                     u.UserID,
		DisplayName:            u.UserNickname,
		SessionDurationSeconds: seconds,
	}
}
