package distribution

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/zsiec/tsmon/internal/session"
	"github.com/zsiec/tsmon/internal/stats"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Message types pushed to WebSocket watchers.
const (
	MessageTypeStats = "stats"
	MessageTypeEnded = "ended"
)

// wsMessage is one frame pushed to a watcher. An "ended" frame is the last
// frame before the server closes the connection.
type wsMessage struct {
	Type   string            `json:"type"`
	Key    string            `json:"key"`
	Stats  *stats.Snapshot   `json:"stats,omitempty"`
	Reason session.EndReason `json:"reason,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// checkOrigin applies AllowedOrigins to WebSocket handshakes, which browsers
// do not subject to CORS. Requests without an Origin header come from
// non-browser clients and are accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.log.Warn("websocket origin rejected", "origin", origin, "remote", r.RemoteAddr)
	return false
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "key", sess.Key, "error", err)
		return
	}
	s.log.Info("stats watcher connected", "key", sess.Key, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	go readPump(conn, cancel)
	writePump(ctx, conn, sess)
	s.log.Info("stats watcher disconnected", "key", sess.Key, "remote", r.RemoteAddr)
}

// readPump discards client frames and cancels ctx when the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pushes the newest snapshot after each publish. A watcher slower
// than the publish rate skips intermediate snapshots.
func writePump(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	send := func(m wsMessage) bool {
		data, err := json.Marshal(m)
		if err != nil {
			return false
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return false
		}
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	changed := sess.Changed()
	if snap, ok := sess.Latest(); ok {
		if !send(wsMessage{Type: MessageTypeStats, Key: sess.Key, Stats: &snap}) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-changed:
			changed = sess.Changed()
			snap, _ := sess.Latest()
			if !send(wsMessage{Type: MessageTypeStats, Key: sess.Key, Stats: &snap}) {
				return
			}

		case <-sess.Done():
			m := wsMessage{Type: MessageTypeEnded, Key: sess.Key, Reason: sess.Ended()}
			if err := sess.Err(); err != nil {
				m.Error = err.Error()
			}
			if snap, ok := sess.Latest(); ok {
				m.Stats = &snap
			}
			if send(m) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(m.Reason)),
					time.Now().Add(writeWait))
			}
			return

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
