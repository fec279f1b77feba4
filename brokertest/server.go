// Package brokertest runs an in-process chat backend for tests: the REST
// endpoints the client consumes and a STOMP-over-WebSocket broker that
// routes /app/chat/message to /topic/chat/room/{id}.
package brokertest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"chatsession/client/model"

	"github.com/gorilla/mux"
)

const (
	// SessionCookie is the cookie carrying the server-side session id.
	SessionCookie = "JSESSIONID"

	brokerPath = "/ws/chat/websocket"
)

// Server is a running test backend. Close it when done.
type Server struct {
	httpServer *httptest.Server
	store      *store
	hub        *hub

	mu        sync.Mutex
	failures  map[string]int           // route -> status returned on next call
	holds     map[string]chan struct{} // route -> gate closed by release
	lastPaths []string
}

// New starts a backend with no users or rooms.
func New() *Server {
	s := &Server{
		store:    newStore(),
		failures: make(map[string]int),
		holds:    make(map[string]chan struct{}),
	}
	s.hub = newHub(s.store)

	r := mux.NewRouter()
	r.HandleFunc("/health", handleHealth).Methods("GET")
	r.HandleFunc(brokerPath, s.hub.handleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.faults)
	api.HandleFunc("/users/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/users/signup", s.handleSignup).Methods("POST")
	api.HandleFunc("/users/logout", s.handleLogout).Methods("POST")
	api.HandleFunc("/users/me", s.authed(s.handleMe)).Methods("GET")
	api.HandleFunc("/chat/rooms/user/{userId}", s.authed(s.handleRooms)).Methods("GET")
	api.HandleFunc("/chat/room/{roomId}", s.authed(s.handleRoomInfo)).Methods("GET")
	api.HandleFunc("/chat/room/{roomId}/messages", s.authed(s.handleMessages)).Methods("GET")
	api.HandleFunc("/chat/room/{roomId}/invite", s.authed(s.handleInvite)).Methods("POST")
	api.HandleFunc("/chat/room/{roomId}/leave", s.authed(s.handleLeave)).Methods("POST")
	api.HandleFunc("/chat/room/{roomId}/participants/history", s.authed(s.handleParticipantsHistory)).Methods("GET")

	s.httpServer = httptest.NewServer(r)
	return s
}

// Close shuts down the HTTP server and every broker connection.
func (s *Server) Close() {
	s.hub.closeAll()
	s.httpServer.Close()
}

// APIURL is the REST base URL, ending in /api.
func (s *Server) APIURL() string {
	return s.httpServer.URL + "/api"
}

// BrokerURL is the WebSocket endpoint.
func (s *Server) BrokerURL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + brokerPath
}

// AddUser registers a user that can log in with loginID/password.
func (s *Server) AddUser(loginID, password string, user model.User) {
	s.store.addUser(loginID, password, user)
}

// AddRoom creates a room whose active participants are members.
func (s *Server) AddRoom(id int64, name string, members ...model.Participant) {
	s.store.addRoom(id, name, members)
}

// AddHistory appends stored TALK messages to a room.
func (s *Server) AddHistory(roomID int64, msgs ...model.Message) {
	s.store.appendMessages(roomID, msgs...)
}

// SetMembers replaces a room's active participants.
func (s *Server) SetMembers(roomID int64, members ...model.Participant) {
	s.store.setMembers(roomID, members)
}

// ExpireSessions invalidates every session so authenticated calls return 401.
func (s *Server) ExpireSessions() {
	s.store.expireSessions()
}

// FailNext makes the next request whose path ends with suffix answer status.
func (s *Server) FailNext(suffix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[suffix] = status
}

// Hold blocks requests whose path ends with suffix until release is called.
func (s *Server) Hold(suffix string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.holds[suffix] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.holds, suffix)
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Requests returns the API paths served so far, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastPaths...)
}

// Broadcast delivers msg to every subscriber of the room topic as the broker would.
func (s *Server) Broadcast(roomID int64, msg model.Message) {
	s.hub.broadcast(roomID, msg)
}

// Subscribers returns how many live subscriptions exist for a room topic.
func (s *Server) Subscribers(roomID int64) int {
	return s.hub.subscribers(roomID)
}

// Connections returns how many broker sockets completed the STOMP handshake.
func (s *Server) Connections() int {
	return s.hub.connectionCount()
}

// Published returns every chat message received on /app/chat/message.
func (s *Server) Published() []model.Message {
	return s.hub.published()
}

// DropConnections closes every broker socket without a DISCONNECT frame.
func (s *Server) DropConnections() {
	s.hub.closeAll()
}

// RejectConnect makes subsequent CONNECT frames answer with an ERROR frame.
func (s *Server) RejectConnect(reject bool) {
	s.hub.setReject(reject)
}

func (s *Server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastPaths = append(s.lastPaths, r.Method+" "+r.URL.Path)
		var status int
		var gate chan struct{}
		for suffix, code := range s.failures {
			if strings.HasSuffix(r.URL.Path, suffix) {
				status = code
				delete(s.failures, suffix)
				break
			}
		}
		for suffix, g := range s.holds {
			if strings.HasSuffix(r.URL.Path, suffix) {
				gate = g
				break
			}
		}
		s.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeError(w, status, http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r)
	})
}
