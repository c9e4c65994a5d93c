package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ktvcast/ktvcast/conf"
	"github.com/ktvcast/ktvcast/log"
)

const maxReconnectBackoff = 30 * time.Second

// wsFrame is the JSON shape of server-initiated socket messages.
type wsFrame struct {
	Type         string  `json:"type"`
	CurrentIndex int     `json:"current_index"`
	Tracks       []Track `json:"tracks"`
}

// WSSource consumes playlist pushes over a persistent socket. Lost
// connections reconnect with exponential backoff, and every reconnect
// re-reads the room snapshot over HTTP so the synchronizer can reconcile.
type WSSource struct {
	room   *Room
	client *Client
	queue  *queue

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSSource dials the room socket. The initial dial failure is returned
// to the caller so it can fall back to polling.
func NewWSSource(ctx context.Context, room *Room, client *Client) (*WSSource, error) {
	s := &WSSource{
		room:   room,
		client: client,
		queue:  newQueue(),
	}
	conn, err := s.dial(ctx)
	if err != nil {
		s.queue.close()
		return nil, err
	}
	s.setConn(conn)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, conn)
	}()
	return s, nil
}

func (s *WSSource) Events() <-chan Event {
	return s.queue.out
}

func (s *WSSource) Close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.queue.close()
}

func (s *WSSource) dial(ctx context.Context) (*websocket.Conn, error) {
	timeout := conf.Server.WSConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, s.room.WSURL(), nil)
	return conn, err
}

func (s *WSSource) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// run reads frames until the connection drops, then reconnects with
// 1, 2, 4, 8… second backoff capped at 30s.
func (s *WSSource) run(ctx context.Context, conn *websocket.Conn) {
	for {
		s.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		s.queue.push(Event{Type: EventLost})
		log.Debug(ctx, "Room socket lost, reconnecting", "room", s.room.ID)

		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := s.dial(ctx)
			if err == nil {
				conn = next
				s.setConn(conn)
				log.Info(ctx, "Room socket reconnected", "room", s.room.ID)
				s.refreshSnapshot(ctx)
				break
			}
			log.Debug(ctx, "Room socket reconnect failed", "backoff", backoff, err)
			if backoff < maxReconnectBackoff {
				backoff *= 2
				if backoff > maxReconnectBackoff {
					backoff = maxReconnectBackoff
				}
			}
		}
	}
}

// readLoop consumes frames from one connection until it fails. A ping goes
// out every keep-alive interval; two consecutive unanswered pings close the
// connection.
func (s *WSSource) readLoop(ctx context.Context, conn *websocket.Conn) {
	interval := conf.Server.KeepAlive()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	var pendingMu sync.Mutex
	pending := 0
	conn.SetPongHandler(func(string) error {
		pendingMu.Lock()
		pending = 0
		pendingMu.Unlock()
		return nil
	})

	pingerDone := make(chan struct{})
	defer close(pingerDone)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pingerDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				pendingMu.Lock()
				pending++
				missed := pending
				pendingMu.Unlock()
				if missed > 2 {
					log.Debug(ctx, "Room socket unresponsive, closing", "missedPings", missed-1)
					_ = conn.Close()
					return
				}
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(ctx, data)
	}
}

func (s *WSSource) handleFrame(ctx context.Context, data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn(ctx, "Ignoring malformed socket frame", err)
		return
	}
	switch frame.Type {
	case "playlist":
		s.queue.push(Event{Type: EventSnapshot, Playlist: &Playlist{
			CurrentIndex: frame.CurrentIndex,
			Tracks:       frame.Tracks,
		}})
	case "advance":
		s.queue.push(Event{Type: EventAdvance})
	default:
		log.Trace(ctx, "Ignoring socket frame", "type", frame.Type)
	}
}

// refreshSnapshot pulls the authoritative snapshot after a reconnect.
func (s *WSSource) refreshSnapshot(ctx context.Context) {
	playlist, err := s.client.GetPlaylist(ctx)
	if err != nil {
		log.Warn(ctx, "Failed to refresh snapshot after reconnect", err)
		return
	}
	s.queue.push(Event{Type: EventSnapshot, Playlist: playlist})
}
