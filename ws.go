package main

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// --- WebSocket Framed Transport ---

const (
	wsGUID       = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	wsMaxPayload = 8 * 1024 * 1024

	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// How long a started frame or a pending write may take before the
// session is considered dead.
const wsIOTimeout = 10 * time.Second

var errWSClosed = errors.New("websocket: close frame received")

// wsConn carries UTF-8 text messages over an established byte stream
// (plain TCP or TLS). Client frames are masked per RFC 6455. Sends
// are serialized so a pong reply never interleaves with a text frame.
type wsConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func newWSConn(conn net.Conn) *wsConn {
	return &wsConn{conn: conn, r: bufio.NewReader(conn)}
}

// wsGenerateKey returns the base64 of 16 fresh random bytes for the
// Sec-WebSocket-Key header.
func wsGenerateKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// wsAcceptKey computes the Sec-WebSocket-Accept value the server must
// echo: base64(SHA1(clientKey || GUID)).
func wsAcceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// handshake performs the client-side HTTP upgrade and verifies the
// Sec-WebSocket-Accept header byte-for-byte against the key we sent.
// The whole exchange must finish within timeout; a server that accepts
// TCP and goes silent must not wedge the connect attempt. Any mismatch
// is terminal for the session.
func (c *wsConn) handshake(host, path, origin string, timeout time.Duration) error {
	key, err := wsGenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer c.conn.SetDeadline(time.Time{})
	req := fmt.Sprintf(
		"GET %s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Key: %s\r\n"+
			"Sec-WebSocket-Version: 13\r\n"+
			"Origin: %s\r\n\r\n",
		path, host, key, origin,
	)
	if _, err := c.conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("send upgrade: %w", err)
	}

	status, err := c.r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 101") && !strings.HasPrefix(status, "HTTP/1.0 101") {
		return fmt.Errorf("upgrade refused: %s", strings.TrimSpace(status))
	}

	accept := ""
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read headers: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "Sec-WebSocket-Accept") {
			accept = strings.TrimSpace(v)
		}
	}
	if accept != wsAcceptKey(key) {
		return fmt.Errorf("handshake accept mismatch: %q", accept)
	}
	return nil
}

// poll waits up to timeout for one frame and returns a text payload,
// or (nil, nil) when this turn produced none: deadline hit before a
// frame started, ping answered with a pong, or a non-text frame
// dropped. Close frames and I/O errors are terminal.
func (c *wsConn) poll(timeout time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	b0, err := c.r.ReadByte()
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}

	// A frame has started: the rest must arrive promptly.
	c.conn.SetReadDeadline(time.Now().Add(wsIOTimeout))

	if b0&0x80 == 0 {
		return nil, errors.New("websocket: fragmented frames not supported")
	}
	opcode := b0 & 0x0F

	b1, err := c.r.ReadByte()
	if err != nil {
		return nil, err
	}
	masked := b1&0x80 != 0
	length := uint64(b1 & 0x7F)

	if length == 126 {
		var buf [2]byte
		if _, err := io.ReadFull(c.r, buf[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(buf[:]))
	} else if length == 127 {
		var buf [8]byte
		if _, err := io.ReadFull(c.r, buf[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(buf[:])
	}
	if length > wsMaxPayload {
		return nil, fmt.Errorf("websocket: frame too large: %d bytes", length)
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(c.r, maskKey[:]); err != nil {
			return nil, err
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	switch opcode {
	case opText:
		return payload, nil
	case opPing:
		if err := c.writeFrame(opPong, payload); err != nil {
			return nil, err
		}
		return nil, nil
	case opClose:
		return nil, errWSClosed
	default:
		// Pong, binary, continuation: dropped.
		return nil, nil
	}
}

// readText blocks until a text frame arrives or timeout elapses. Used
// during the authentication handshake, where the peer speaks first.
func (c *wsConn) readText(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		payload, err := c.poll(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if payload != nil {
			return payload, nil
		}
	}
	return nil, errors.New("websocket: read timeout")
}

// writeText sends payload as a single masked text frame.
func (c *wsConn) writeText(payload []byte) error {
	return c.writeFrame(opText, payload)
}

// writeFrame writes one masked client frame. Client→server frames
// must be masked per RFC 6455.
func (c *wsConn) writeFrame(opcode byte, payload []byte) error {
	length := len(payload)

	headerSize := 2 + 4 // header bytes + mask key
	if length >= 126 && length < 65536 {
		headerSize += 2
	} else if length >= 65536 {
		headerSize += 8
	}

	frame := make([]byte, headerSize+length)
	idx := 0

	frame[idx] = 0x80 | opcode // FIN always set
	idx++

	switch {
	case length < 126:
		frame[idx] = byte(0x80 | length)
		idx++
	case length < 65536:
		frame[idx] = 0x80 | 126
		idx++
		binary.BigEndian.PutUint16(frame[idx:], uint16(length))
		idx += 2
	default:
		frame[idx] = 0x80 | 127
		idx++
		binary.BigEndian.PutUint64(frame[idx:], uint64(length))
		idx += 8
	}

	var maskKey [4]byte
	rand.Read(maskKey[:])
	copy(frame[idx:], maskKey[:])
	idx += 4

	for i, b := range payload {
		frame[idx+i] = b ^ maskKey[i%4]
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsIOTimeout))
	_, err := c.conn.Write(frame)
	return err
}

// isTimeout reports whether err is a read/write deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
