package ibkr

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second

	// Generous line limit: contract-details frames carry long names.
	maxFrameSize = 1 << 20
)

// socketConn owns one TCP connection to the broker. Reads happen on a
// dedicated goroutine that feeds decoded frames into the adapter's inbound
// channel; when the socket dies it injects a disconnect sentinel and exits.
type socketConn struct {
	conn net.Conn

	wmu sync.Mutex // serializes frame writes

	closeOnce sync.Once
}

// dial connects and starts the read pump. All inbound frames, including the
// terminal disconnect sentinel, arrive on inbound.
func dial(host string, port int, inbound chan<- message) (*socketConn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sc := &socketConn{conn: conn}
	go sc.readLoop(inbound)
	return sc, nil
}

func (sc *socketConn) readLoop(inbound chan<- message) {
	scanner := bufio.NewScanner(sc.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			// Skip unparseable frames; the protocol is line-oriented so
			// the next frame is still recoverable.
			continue
		}
		inbound <- msg
	}

	reason := "eof"
	if err := scanner.Err(); err != nil {
		reason = err.Error()
	}
	inbound <- message{Type: msgDisconnected, Msg: reason, src: sc}
}

// send writes one frame. Called only from the adapter loop goroutine, but the
// mutex also guards against a racing close.
func (sc *socketConn) send(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')

	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := sc.conn.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// close shuts the socket; the read pump then drains out via its sentinel.
func (sc *socketConn) close() {
	sc.closeOnce.Do(func() {
		sc.conn.Close()
	})
}
