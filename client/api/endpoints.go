package api

import (
	"context"
	"fmt"
	"net/http"

	"chatsession/client/model"
)

type loginRequest struct {
	LoginID  string `json:"loginId"`
	Password string `json:"password"`
}

type signupRequest struct {
	Nickname string `json:"nickname"`
	LoginID  string `json:"loginId"`
	Password string `json:"password"`
}

// CheckSession asks the server who the session cookie belongs to.
// Concurrent checks share a single request.
func (c *Client) CheckSession(ctx context.Context) (model.Identity, error) {
	v, err, shared := c.sessionChecks.Do("me", func() (any, error) {
		var user model.User
		if err := c.do(ctx, TagSessionCheck, http.MethodGet, "/users/me", nil, &user); err != nil {
			return model.Identity{}, err
		}
		return user.Identity(c.cfg.DefaultSessionDuration), nil
	})
	if shared {
		c.logger.Debug("session check shared")
	}
	return v.(model.Identity), err
}

// Login starts a server session and returns the logged-in identity.
func (c *Client) Login(ctx context.Context, loginID, password string) (model.Identity, error) {
	var user model.User
	if err := c.do(ctx, TagLogin, http.MethodPost, "/users/login", loginRequest{LoginID: loginID, Password: password}, &user); err != nil {
		return model.Identity{}, err
	}
	return user.Identity(c.cfg.DefaultSessionDuration), nil
}

// Signup registers a new account. It does not log in.
func (c *Client) Signup(ctx context.Context, nickname, loginID, password string) (model.User, error) {
	var user model.User
	req := signupRequest{Nickname: nickname, LoginID: loginID, Password: password}
	if err := c.do(ctx, TagSignup, http.MethodPost, "/users/signup", req, &user); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// Logout ends the server session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, TagLogout, http.MethodPost, "/users/logout", nil, nil)
}

// Messages returns the stored history of a room, oldest first.
func (c *Client) Messages(ctx context.Context, roomID int64) ([]model.Message, error) {
	var msgs []model.Message
	if err := c.do(ctx, TagMessages, http.MethodGet, fmt.Sprintf("/chat/room/%d/messages", roomID), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// RoomInfo returns a room's name and active participants.
func (c *Client) RoomInfo(ctx context.Context, roomID int64) (model.RoomInfo, error) {
	var info model.RoomInfo
	if err := c.do(ctx, TagRoomInfo, http.MethodGet, fmt.Sprintf("/chat/room/%d", roomID), nil, &info); err != nil {
		return model.RoomInfo{}, err
	}
	return info, nil
}

// InviteUsers adds users to a room by nickname.
func (c *Client) InviteUsers(ctx context.Context, roomID int64, nicknames []string) error {
	return c.do(ctx, TagInvite, http.MethodPost, fmt.Sprintf("/chat/room/%d/invite", roomID), nicknames, nil)
}

// LeaveRoom removes the current user from a room's participants.
func (c *Client) LeaveRoom(ctx context.Context, roomID int64) error {
	return c.do(ctx, TagLeaveRoom, http.MethodPost, fmt.Sprintf("/chat/room/%d/leave", roomID), nil, nil)
}

// ParticipantsHistory returns every join and quit recorded for a room.
func (c *Client) ParticipantsHistory(ctx context.Context, roomID int64) ([]model.ParticipantHistory, error) {
	var history []model.ParticipantHistory
	path := fmt.Sprintf("/chat/room/%d/participants/history", roomID)
	if err := c.do(ctx, TagParticipantsHistory, http.MethodGet, path, nil, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// Rooms lists the rooms a user participates in.
func (c *Client) Rooms(ctx context.Context, userID int64) ([]model.RoomInfo, error) {
	var rooms []model.RoomInfo
	if err := c.do(ctx, TagRooms, http.MethodGet, fmt.Sprintf("/chat/rooms/user/%d", userID), nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}
