package brokertest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chatsession/client/model"
	"chatsession/client/stomp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	appDestination = "/app/chat/message"
	topicPrefix    = "/topic/chat/room/"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// peer is one broker socket.
type peer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	// guarded by hub.mu
	connected bool
	subs      map[string]string // subscription id -> destination
}

func (p *peer) send(f *stomp.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.ws.WriteMessage(websocket.TextMessage, f.Marshal())
}

// hub tracks broker sockets and routes published chat messages to the room topics.
type hub struct {
	store *store

	mu        sync.Mutex
	peers     map[*peer]bool
	reject    bool
	delivered []model.Message
}

func newHub(st *store) *hub {
	return &hub{store: st, peers: make(map[*peer]bool)}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("brokertest: upgrade error:", err)
		return
	}

	p := &peer{ws: ws, subs: make(map[string]string)}
	h.mu.Lock()
	h.peers[p] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.peers, p)
		h.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := stomp.Parse(data)
		if errors.Is(err, stomp.ErrHeartBeat) {
			continue
		}
		if err != nil {
			p.send(stomp.New(stomp.CommandError, stomp.HeaderMessage, "malformed frame"))
			return
		}
		if !h.handleFrame(p, f) {
			return
		}
	}
}

// handleFrame reports false when the socket should be closed.
func (h *hub) handleFrame(p *peer, f *stomp.Frame) bool {
	switch f.Command {
	case stomp.CommandConnect, "STOMP":
		h.mu.Lock()
		reject := h.reject
		if !reject {
			p.connected = true
		}
		h.mu.Unlock()
		if reject {
			p.send(stomp.New(stomp.CommandError, stomp.HeaderMessage, "connection rejected"))
			return false
		}
		return p.send(stomp.New(stomp.CommandConnected,
			stomp.HeaderVersion, stomp.Version,
			stomp.HeaderHeartBeat, "0,0",
		)) == nil

	case stomp.CommandSubscribe:
		h.mu.Lock()
		p.subs[f.Header(stomp.HeaderID)] = f.Header(stomp.HeaderDestination)
		h.mu.Unlock()

	case stomp.CommandUnsubscribe:
		h.mu.Lock()
		delete(p.subs, f.Header(stomp.HeaderID))
		h.mu.Unlock()

	case stomp.CommandSend:
		if f.Header(stomp.HeaderDestination) != appDestination {
			log.Println("brokertest: send to unknown destination", f.Header(stomp.HeaderDestination))
			return true
		}
		var msg model.Message
		if err := json.Unmarshal(f.Body, &msg); err != nil {
			log.Println("brokertest: invalid chat message:", err)
			return true
		}
		h.process(&msg)
		h.broadcast(msg.RoomID, msg)

	case stomp.CommandDisconnect:
		if receipt := f.Header(stomp.HeaderReceipt); receipt != "" {
			p.send(stomp.New(stomp.CommandReceipt, stomp.HeaderReceiptID, receipt))
		}
		return false
	}
	return true
}

// process fills in the server side fields of a published message.
func (h *hub) process(msg *model.Message) {
	now := model.Timestamp{Time: time.Now()}
	switch msg.Type {
	case model.MessageTypeJoin:
		msg.Participants = h.store.participants(msg.RoomID)
		msg.Text = msg.SenderNickname + " joined the room"
		msg.CreatedAt = now
	case model.MessageTypeLeave:
		msg.Participants = h.store.participants(msg.RoomID)
		msg.Text = msg.SenderNickname + " left the room"
		msg.CreatedAt = now
	default:
		msg.CreatedAt = now
		h.store.appendMessages(msg.RoomID, *msg)
	}

	h.mu.Lock()
	h.delivered = append(h.delivered, *msg)
	h.mu.Unlock()
}

type target struct {
	p     *peer
	subID string
}

func (h *hub) broadcast(roomID int64, msg model.Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Println("brokertest: encode message:", err)
		return
	}
	destination := topicPrefix + strconv.FormatInt(roomID, 10)

	h.mu.Lock()
	var targets []target
	for p := range h.peers {
		if !p.connected {
			continue
		}
		for id, dest := range p.subs {
			if dest == destination {
				targets = append(targets, target{p: p, subID: id})
			}
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		f := stomp.New(stomp.CommandMessage,
			stomp.HeaderDestination, destination,
			stomp.HeaderSubscription, t.subID,
			stomp.HeaderMessageID, uuid.NewString(),
			stomp.HeaderContentType, "application/json",
		)
		f.Body = body
		if err := t.p.send(f); err != nil {
			log.Println("brokertest: write error:", err)
		}
	}
}

func (h *hub) subscribers(roomID int64) int {
	destination := topicPrefix + strconv.FormatInt(roomID, 10)

	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for p := range h.peers {
		for _, dest := range p.subs {
			if dest == destination {
				n++
			}
		}
	}
	return n
}

func (h *hub) connectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for p := range h.peers {
		if p.connected {
			n++
		}
	}
	return n
}

func (h *hub) published() []model.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Message(nil), h.delivered...)
}

func (h *hub) setReject(reject bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reject = reject
}

// closeAll drops every socket without a close handshake.
func (h *hub) closeAll() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.ws.Close()
	}
}

