package wire

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/user/blue-gatt/transport"
	"github.com/user/blue-gatt/wire/l2cap"
)

// frameConn moves whole L2CAP frames over some byte transport
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// streamConn frames a byte stream. The L2CAP header is self-delimiting:
// read the 2-byte length, then the channel ID and payload.
type streamConn struct {
	conn net.Conn
}

func (s *streamConn) ReadFrame() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return nil, err
	}
	length := int(binary.LittleEndian.Uint16(hdr[:]))
	frame := make([]byte, l2cap.HeaderLen+length)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(s.conn, frame[2:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *streamConn) WriteFrame(frame []byte) error {
	_, err := s.conn.Write(frame)
	return err
}

func (s *streamConn) Close() error { return s.conn.Close() }

// wsConn carries one frame per binary WebSocket message
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteFrame(frame []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsConn) Close() error {
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(100*time.Millisecond))
	return w.conn.Close()
}

// Handshake: 4-byte big-endian ID length followed by the ID, in both
// directions. The dialer speaks first.
func writeHandshake(conn net.Conn, id string) error {
	buf := make([]byte, 4+len(id))
	binary.BigEndian.PutUint32(buf, uint32(len(id)))
	copy(buf[4:], id)
	_, err := conn.Write(buf)
	return err
}

const maxIDLen = 256

func readHandshake(conn net.Conn) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxIDLen {
		return "", errors.Errorf("bad handshake length %d", n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(conn, id); err != nil {
		return "", err
	}
	return string(id), nil
}

const sendQueueLen = 256

// link is one connected peer
type link struct {
	peer  string
	role  transport.Role
	conn  frameConn
	out   chan []byte
	done  chan struct{}
	once  sync.Once
	local bool // set when we asked for the close
	mu    sync.Mutex
}

func newLink(peer string, role transport.Role, conn frameConn) *link {
	return &link{
		peer: peer,
		role: role,
		conn: conn,
		out:  make(chan []byte, sendQueueLen),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the send queue is full or the link is closed
func (l *link) enqueue(frame []byte) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.out <- frame:
		return true
	default:
		return false
	}
}

// writeLoop drains the send queue until the link closes
func (l *link) writeLoop(onError func(error)) {
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.out:
			if err := l.conn.WriteFrame(frame); err != nil {
				onError(err)
				l.shutdown(false)
				return
			}
		}
	}
}

// shutdown closes the link once. local records whether we initiated it.
func (l *link) shutdown(local bool) {
	l.once.Do(func() {
		l.mu.Lock()
		l.local = local
		l.mu.Unlock()
		close(l.done)
		l.conn.Close()
	})
}

func (l *link) closedLocally() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}
