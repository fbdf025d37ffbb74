// peer.go — One connected peer: identity, outbound writer, teardown.
package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tabbridge/tabbridge/internal/wire"
)

const (
	peerHelloTimeout = 2 * time.Second
	peerWriteTimeout = 5 * time.Second
	peerSendBuffer   = 256
)

// peer is one registered peer connection. All writes go through the out
// channel so the writer goroutine is the only one touching the socket.
type peer struct {
	id   string
	conn *websocket.Conn
	log  *logrus.Entry

	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPeer(id string, conn *websocket.Conn, log *logrus.Entry) *peer {
	return &peer{
		id:     id,
		conn:   conn,
		log:    log.WithField("peer", id),
		out:    make(chan []byte, peerSendBuffer),
		closed: make(chan struct{}),
	}
}

// writeLoop drains out until the peer closes. Runs in its own goroutine.
func (p *peer) writeLoop() {
	for {
		select {
		case <-p.closed:
			return
		case data := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.close()
				return
			}
		}
	}
}

// send encodes a frame and queues it for the writer. A peer that cannot keep
// up has its oldest-first queue overflow dropped with a warning rather than
// blocking the broker.
func (p *peer) send(frame any) {
	data, err := wire.Encode(frame)
	if err != nil {
		p.log.WithField("err", err.Error()).Warn("dropped unencodable frame")
		return
	}
	select {
	case <-p.closed:
	case p.out <- data:
	default:
		p.log.Warn("peer send queue full, frame dropped")
	}
}

// close shuts the socket and stops the writer. Idempotent.
func (p *peer) close() {
	p.once.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}
