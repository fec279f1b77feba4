package brokertest

import (
	"sync"
	"time"

	"chatsession/client/model"

	"github.com/google/uuid"
)

type account struct {
	password string
	user     model.User
}

type room struct {
	info     model.RoomInfo
	messages []model.Message
	history  []model.ParticipantHistory
}

// store is the backend's in-memory state.
type store struct {
	mu       sync.Mutex
	accounts map[string]*account // loginID -> account
	sessions map[string]int64    // session id -> user id
	rooms    map[int64]*room
	nextID   int64
}

func newStore() *store {
	return &store{
		accounts: make(map[string]*account),
		sessions: make(map[string]int64),
		rooms:    make(map[int64]*room),
		nextID:   1000,
	}
}

func (s *store) addUser(loginID, password string, user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[loginID] = &account{password: password, user: user}
}

func (s *store) signup(loginID, password, nickname string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[loginID]; exists {
		return model.User{}, false
	}
	s.nextID++
	user := model.User{UserID: s.nextID, UserNickname: nickname}
	s.accounts[loginID] = &account{password: password, user: user}
	return user, true
}

func (s *store) login(loginID, password string) (string, model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[loginID]
	if !ok || acct.password != password {
		return "", model.User{}, false
	}
	sid := uuid.NewString()
	s.sessions[sid] = acct.user.UserID
	return sid, acct.user, true
}

func (s *store) logout(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
}

func (s *store) expireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]int64)
}

func (s *store) userForSession(sid string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[sid]
	if !ok {
		return model.User{}, false
	}
	for _, acct := range s.accounts {
		if acct.user.UserID == id {
			return acct.user, true
		}
	}
	return model.User{}, false
}

func (s *store) userByNickname(nickname string) (model.User, bool) {
	for _, acct := range s.accounts {
		if acct.user.UserNickname == nickname {
			return acct.user, true
		}
	}
	return model.User{}, false
}

func (s *store) addRoom(id int64, name string, members []model.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &room{info: model.RoomInfo{RoomID: id, RoomName: name, RoomType: "GROUP"}}
	r.info.Participants = append([]model.Participant{}, members...)
	now := model.Timestamp{Time: time.Now()}
	for _, m := range members {
		r.history = append(r.history, model.ParticipantHistory{Nickname: m.Nickname, JoinedAt: now})
	}
	s.rooms[id] = r
}

func (s *store) setMembers(id int64, members []model.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		r.info.Participants = append([]model.Participant{}, members...)
	}
}

func (s *store) roomInfo(id int64) (model.RoomInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return model.RoomInfo{}, false
	}
	info := r.info
	info.Participants = append([]model.Participant{}, r.info.Participants...)
	return info, true
}

func (s *store) roomsFor(userID int64) []model.RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]model.RoomInfo, 0)
	for _, r := range s.rooms {
		for _, p := range r.info.Participants {
			if p.UserID == userID {
				rooms = append(rooms, r.info)
				break
			}
		}
	}
	return rooms
}

func (s *store) messages(id int64) ([]model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, false
	}
	return append([]model.Message{}, r.messages...), true
}

func (s *store) appendMessages(id int64, msgs ...model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		r.messages = append(r.messages, msgs...)
	}
}

func (s *store) participants(id int64) []model.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return []model.Participant{}
	}
	return append([]model.Participant{}, r.info.Participants...)
}

func (s *store) invite(id int64, nicknames []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return false
	}
	now := model.Timestamp{Time: time.Now()}
	for _, nick := range nicknames {
		user, ok := s.userByNickname(nick)
		if !ok {
			return false
		}
		r.info.Participants = append(r.info.Participants, model.Participant{UserID: user.UserID, Nickname: user.UserNickname})
		r.history = append(r.history, model.ParticipantHistory{Nickname: nick, JoinedAt: now})
	}
	return true
}

func (s *store) leave(id, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return false
	}
	now := model.Timestamp{Time: time.Now()}
	kept := r.info.Participants[:0]
	for _, p := range r.info.Participants {
		if p.UserID == userID {
			for i := range r.history {
				if r.history[i].Nickname == p.Nickname && r.history[i].QuitAt.IsZero() {
					r.history[i].QuitAt = now
				}
			}
			continue
		}
		kept = append(kept, p)
	}
	r.info.Participants = kept
	return true
}

func (s *store) participantsHistory(id int64) ([]model.ParticipantHistory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, false
	}
	return append([]model.ParticipantHistory{}, r.history...), true
}
