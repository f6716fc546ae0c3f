package demo

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

const maxNickname = 32

// Sender is the part of the server the chat room talks back through.
type Sender interface {
	SendTo(id int32, pkt *protocol.Packet) bool
	Disconnect(id int32) error
}

// Room is the server side of the demo protocol. It implements
// server.Handler; Attach must be called before the server starts.
type Room struct {
	log zerolog.Logger
	out Sender

	mu    sync.RWMutex
	users map[int32]string
}

func NewRoom(logger zerolog.Logger) *Room {
	return &Room{
		log:   logger,
		users: make(map[int32]string),
	}
}

// Attach sets the server replies go through.
func (r *Room) Attach(out Sender) {
	r.out = out
}

func (r *Room) OnConnected(id int32, peer string) bool {
	r.log.Info().Int32("session", id).Str("peer", peer).Msg("client connected")
	return true
}

func (r *Room) OnDisconnected(id int32, peer string) bool {
	r.mu.Lock()
	nick, ok := r.users[id]
	delete(r.users, id)
	r.mu.Unlock()

	ev := r.log.Info().Int32("session", id).Str("peer", peer)
	if ok {
		ev = ev.Str("nickname", nick)
	}
	ev.Msg("client disconnected")
	return true
}

func (r *Room) OnPacket(pkt *protocol.Packet) bool {
	id := pkt.SenderIndex

	switch pkt.Protocol() {
	case ProtocolPing:
		return r.out.SendTo(id, protocol.NewPacketWithProtocol(ProtocolPong))

	case ProtocolLogin:
		return r.login(id, pkt)

	case ProtocolChat:
		return r.chat(id, pkt)

	default:
		echo := pkt.Copy()
		echo.SenderIndex = 0
		return r.out.SendTo(id, echo)
	}
}

func (r *Room) login(id int32, pkt *protocol.Packet) bool {
	var req LoginRequest
	if err := Decode(pkt, &req); err != nil {
		r.log.Warn().Err(err).Int32("session", id).Msg("bad login")
		return false
	}

	nick := strings.TrimSpace(req.Nickname)
	ok := nick != "" && len(nick) <= maxNickname

	r.mu.Lock()
	if _, exists := r.users[id]; exists {
		r.mu.Unlock()
		r.log.Warn().Int32("session", id).Msg("already logged in")
		return true
	}
	if ok {
		r.users[id] = nick
	}
	r.mu.Unlock()

	res, err := Encode(ProtocolLoginResult, LoginResult{Nickname: nick, OK: ok})
	if err != nil {
		return false
	}
	if ok {
		r.log.Info().Int32("session", id).Str("nickname", nick).Msg("login")
	}
	return r.out.SendTo(id, res)
}

// chat broadcasts to logged-in users. A chat from a session that never
// logged in drops it.
func (r *Room) chat(id int32, pkt *protocol.Packet) bool {
	r.mu.RLock()
	nick, ok := r.users[id]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn().Int32("session", id).Msg("chat before login")
		r.out.Disconnect(id)
		return false
	}

	var req ChatRequest
	if err := Decode(pkt, &req); err != nil {
		r.log.Warn().Err(err).Int32("session", id).Msg("bad chat request")
		r.out.Disconnect(id)
		return false
	}

	msg, err := Encode(ProtocolChatMessage, ChatMessage{Sender: id, Nickname: nick, Message: req.Message})
	if err != nil {
		r.log.Warn().Err(err).Int32("session", id).Msg("chat message too large")
		return false
	}

	r.mu.RLock()
	targets := make([]int32, 0, len(r.users))
	for uid := range r.users {
		targets = append(targets, uid)
	}
	r.mu.RUnlock()

	for _, uid := range targets {
		r.out.SendTo(uid, msg)
	}
	return true
}

// Users returns the number of logged-in users.
func (r *Room) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
