// Package devserver is an in-memory chat server for local development
// and testing. It speaks the production wire protocol but keeps all
// state in memory: accounts, channels and pending secret requests are
// gone when the process exits.
package devserver

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aeolun/crosschat/pkg/protocol"
)

type userKey struct {
	name  string
	world uint16
}

// account is a registered user. The server never sees channel secrets
// or plaintext names; it only relays ciphertext between members.
type account struct {
	key          string
	name         string
	world        uint16
	publicKey    []byte
	allowInvites bool
}

type channel struct {
	id      protocol.ChannelID
	name    []byte // encrypted, opaque to the server
	members map[userKey]protocol.Rank
}

// session is one live connection. account is nil until authenticated.
type session struct {
	conn    *SafeConn
	account *account
}

// Server is the in-memory dev server. Create with New and mount
// Handler on an HTTP server.
type Server struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	accounts   map[string]*account // by account key
	byUser     map[userKey]*account
	challenges map[userKey]string
	channels   map[protocol.ChannelID]*channel
	sessions   map[*session]struct{}
	secretReqs map[protocol.RequestID]pendingSecret
}

func New(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		accounts:   make(map[string]*account),
		byUser:     make(map[userKey]*account),
		challenges: make(map[userKey]string),
		channels:   make(map[protocol.ChannelID]*channel),
		sessions:   make(map[*session]struct{}),
		secretReqs: make(map[protocol.RequestID]pendingSecret),
	}
}

// Handler returns the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	sess := &session{conn: NewSafeConn(conn)}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("session connected", zap.String("remote", r.RemoteAddr))

	defer s.dropSession(sess)
	for {
		req, err := sess.conn.ReadRequest()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("session read ended", zap.Error(err))
			}
			return
		}
		s.handle(sess, req)
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	for id, pending := range s.secretReqs {
		if pending.requester == sess {
			delete(s.secretReqs, id)
		}
	}
	s.mu.Unlock()
	sess.conn.Close()
}

// OnlineSessions reports the number of live connections.
func (s *Server) OnlineSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseAll disconnects every session. Accounts and channels survive.
func (s *Server) CloseAll() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[*session]struct{})
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
}

// respond sends a direct reply carrying the request's sequence number.
func (s *Server) respond(sess *session, number uint32, kind protocol.ResponseKind) {
	if err := sess.conn.SendResponse(protocol.Response{Number: number, Kind: kind}); err != nil {
		s.log.Debug("failed to send response", zap.Error(err))
	}
}

// push sends an unsolicited event (sequence number zero).
func (s *Server) push(sess *session, kind protocol.ResponseKind) {
	if err := sess.conn.SendResponse(protocol.Response{Number: protocol.PushNumber, Kind: kind}); err != nil {
		s.log.Debug("failed to push", zap.Error(err))
	}
}

// sessionsFor returns live sessions for a user. Callers must hold s.mu.
func (s *Server) sessionsFor(user userKey) []*session {
	var out []*session
	for sess := range s.sessions {
		if sess.account != nil && sess.account.name == user.name && sess.account.world == user.world {
			out = append(out, sess)
		}
	}
	return out
}

// broadcast pushes an event to every member of a channel, optionally
// skipping one session. Callers must hold s.mu.
func (s *Server) broadcast(ch *channel, kind protocol.ResponseKind, skip *session) {
	for member := range ch.members {
		for _, sess := range s.sessionsFor(member) {
			if sess == skip {
				continue
			}
			s.push(sess, kind)
		}
	}
}

func newAccountKey() string {
	return uuid.NewString()
}
