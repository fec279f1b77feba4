package brokertest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"chatsession/client/model"

	"github.com/gorilla/mux"
)

// ErrorResponse is the JSON body of every non-2xx API answer.
type ErrorResponse struct {
	Code    string `json:"errCd"`
	Message string `json:"errMsg"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type loginRequest struct {
	LoginID  string `json:"loginId"`
	Password string `json:"password"`
}

type signupRequest struct {
	Nickname string `json:"nickname"`
	LoginID  string `json:"loginId"`
	Password string `json:"password"`
}

type userKey struct{}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "UP", Timestamp: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Code: strconv.Itoa(status), Message: msg})
}

func roomID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["roomId"], 10, 64)
	return id, err == nil
}

// authed rejects requests without a live session cookie.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(SessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		user, ok := s.store.userForSession(c.Value)
		if !ok {
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

func currentUser(r *http.Request) model.User {
	u, _ := r.Context().Value(userKey{}).(model.User)
	return u
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON format")
		return
	}
	sid, user, ok := s.store.login(req.LoginID, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid login id or password")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: sid, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON format")
		return
	}
	if req.LoginID == "" || req.Password == "" || req.Nickname == "" {
		writeError(w, http.StatusBadRequest, "nickname, loginId and password are required")
		return
	}
	user, ok := s.store.signup(req.LoginID, req.Password, req.Nickname)
	if !ok {
		writeError(w, http.StatusConflict, "login id already taken")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookie); err == nil {
		s.store.logout(c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	writeJSON(w, http.StatusOK, s.store.roomsFor(userID))
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	info, ok := s.store.roomInfo(id)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	msgs, ok := s.store.messages(id)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	var nicknames []string
	if err := json.NewDecoder(r.Body).Decode(&nicknames); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON format")
		return
	}
	if !s.store.invite(id, nicknames) {
		writeError(w, http.StatusNotFound, "room or user not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	if !s.store.leave(id, currentUser(r).UserID) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleParticipantsHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	history, ok := s.store.participantsHistory(id)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, history)
}
