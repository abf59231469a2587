package httpapi

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	logx "netgauge/pkg/logx"
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is meant for localhost; browsers on other origins may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	liveQueueSize    = 64
	liveWriteTimeout = 5 * time.Second
)

var (
	errLiveSlowConsumer  = errors.New("live client too slow")
	errLiveSessionClosed = errors.New("live session closed")
)

type liveEnvelope struct {
	Type  string `json:"type"`
	RunID string `json:"runId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type liveConn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	NextReader() (messageType int, r io.Reader, err error)
}

// liveSession owns one websocket. All writes go through writeLoop; a
// client that cannot keep up is disconnected instead of slowing the bus.
type liveSession struct {
	conn       liveConn
	sendMu     sync.Mutex
	sendCh     chan liveEnvelope
	stopCh     chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
	closed     atomic.Bool
}

func newLiveSession(conn liveConn, queueSize int) *liveSession {
	if queueSize <= 0 {
		queueSize = liveQueueSize
	}
	s := &liveSession{
		conn:       conn,
		sendCh:     make(chan liveEnvelope, queueSize),
		stopCh:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *liveSession) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.stopCh:
			return
		case msg, ok := <-s.sendCh:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.closeWithCode(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

func (s *liveSession) send(msg liveEnvelope) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return errLiveSessionClosed
	}
	select {
	case s.sendCh <- msg:
		return nil
	default:
		s.closeWithCode(websocket.CloseTryAgainLater, "client too slow")
		return errLiveSlowConsumer
	}
}

func (s *liveSession) closeWithCode(code int, reason string) {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		close(s.stopCh)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(liveWriteTimeout))
		_ = s.conn.Close()
	})
}

// finish flushes queued messages and closes the connection.
func (s *liveSession) finish() {
	s.finishOnce.Do(func() {
		s.sendMu.Lock()
		if !s.closed.Swap(true) {
			close(s.sendCh)
		}
		s.sendMu.Unlock()
		<-s.writerDone
		s.closeOnce.Do(func() { _ = s.conn.Close() })
	})
}

// readLoop discards client frames and reports when the client goes away.
func readLoop(conn liveConn, gone chan<- struct{}) {
	defer close(gone)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// live streams every published view. The first message is the current view.
func (s *Server) live(c *gin.Context) {
	conn, err := liveUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}

	events, unsub := s.opts.Bus.Subscribe(liveQueueSize)
	defer unsub()

	sess := newLiveSession(conn, liveQueueSize)
	defer sess.finish()

	cur := s.opts.Runs.View()
	if err := sess.send(liveEnvelope{Type: "view", RunID: cur.RunID, Data: cur}); err != nil {
		return
	}

	gone := make(chan struct{})
	go readLoop(conn, gone)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-sess.stopCh:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := sess.send(liveEnvelope{Type: e.Type, RunID: e.RunID, Data: e.Data}); err != nil {
				s.log.Debug("live stream closed", logx.Err(err))
				return
			}
		}
	}
}
