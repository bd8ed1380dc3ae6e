package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// --- Server-Side Test Helpers ---

// serverReadFrame parses one masked client frame and returns its
// opcode and unmasked payload.
func serverReadFrame(r *bufio.Reader) (byte, []byte, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	opcode := b0 & 0x0F
	b1, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if b1&0x80 == 0 {
		return 0, nil, errors.New("client frame not masked")
	}
	length := uint64(b1 & 0x7F)
	if length == 126 {
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(buf[:]))
	} else if length == 127 {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(buf[:])
	}
	var mask [4]byte
	if _, err := io.ReadFull(r, mask[:]); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	for i := range payload {
		payload[i] ^= mask[i%4]
	}
	return opcode, payload, nil
}

// serverWriteFrame writes one unmasked server frame.
func serverWriteFrame(w io.Writer, opcode byte, payload []byte) error {
	length := len(payload)
	var header []byte
	switch {
	case length < 126:
		header = []byte{0x80 | opcode, byte(length)}
	case length < 65536:
		header = []byte{0x80 | opcode, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(length))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(length))
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// serverHandshake answers the client upgrade with a correct (or
// deliberately wrong) Sec-WebSocket-Accept.
func serverHandshake(conn net.Conn, r *bufio.Reader, corruptAccept bool) error {
	key := ""
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "Sec-WebSocket-Key") {
			key = strings.TrimSpace(v)
		}
	}
	if key == "" {
		return errors.New("no Sec-WebSocket-Key in upgrade request")
	}
	accept := wsAcceptKey(key)
	if corruptAccept {
		accept = "bogus" + accept
	}
	resp := fmt.Sprintf(
		"HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: %s\r\n\r\n", accept)
	_, err := conn.Write([]byte(resp))
	return err
}

// --- Tests ---

func TestWsAcceptKey(t *testing.T) {
	// Known vector from RFC 6455 section 1.3.
	got := wsAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("unexpected accept key: %s", got)
	}
}

func TestWsGenerateKey(t *testing.T) {
	key1, err := wsGenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key2, _ := wsGenerateKey()
	if len(key1) != 24 { // 16 bytes base64-encoded = 24 chars
		t.Errorf("unexpected key length: %d", len(key1))
	}
	if key1 == key2 {
		t.Error("keys should be random and different")
	}
}

func TestWsHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- serverHandshake(server, bufio.NewReader(server), false)
	}()

	ws := newWSConn(client)
	if err := ws.handshake("ha.local:8123", "/api/websocket", "http://ha.local:8123", time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestWsHandshakeAcceptMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go serverHandshake(server, bufio.NewReader(server), true)

	ws := newWSConn(client)
	err := ws.handshake("ha.local:8123", "/api/websocket", "http://ha.local:8123", time.Second)
	if err == nil || !strings.Contains(err.Error(), "accept mismatch") {
		t.Errorf("expected accept mismatch, got: %v", err)
	}
}

func TestWsHandshakeRefused(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil || strings.TrimRight(line, "\r\n") == "" {
				break
			}
		}
		server.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
	}()

	ws := newWSConn(client)
	err := ws.handshake("ha.local:8123", "/api/websocket", "http://ha.local:8123", time.Second)
	if err == nil || !strings.Contains(err.Error(), "upgrade refused") {
		t.Errorf("expected upgrade refused, got: %v", err)
	}
}

func TestWsHandshakeTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Server consumes the upgrade request and then goes silent.
	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil || strings.TrimRight(line, "\r\n") == "" {
				return
			}
		}
	}()

	ws := newWSConn(client)
	err := ws.handshake("ha.local:8123", "/api/websocket", "http://ha.local:8123", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected handshake to time out against a silent server")
	}
	if !isTimeout(err) {
		t.Errorf("expected a deadline error, got: %v", err)
	}
}

func TestWsTextRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ws := newWSConn(client)
	sr := bufio.NewReader(server)

	// Client to server, masked.
	payload := []byte(`{"type":"auth","access_token":"test"}`)
	go func() {
		ws.writeText(payload)
	}()
	opcode, got, err := serverReadFrame(sr)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if opcode != opText {
		t.Errorf("expected text opcode, got 0x%x", opcode)
	}
	if string(got) != string(payload) {
		t.Errorf("payload mismatch: %q", got)
	}

	// Server to client, unmasked.
	reply := []byte(`{"type":"auth_ok"}`)
	go serverWriteFrame(server, opText, reply)
	msg, err := ws.poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if string(msg) != string(reply) {
		t.Errorf("reply mismatch: %q", msg)
	}
}

func TestWsExtendedLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ws := newWSConn(client)

	// 200 bytes exercises the 126 extended-length encoding.
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte('A' + (i % 26))
	}
	go serverWriteFrame(server, opText, payload)

	msg, err := ws.poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msg) != 200 || string(msg) != string(payload) {
		t.Errorf("payload mismatch: %d bytes", len(msg))
	}
}

func TestWsPollTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ws := newWSConn(client)
	msg, err := ws.poll(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if msg != nil {
		t.Errorf("expected no payload, got %q", msg)
	}
}

func TestWsPingAnsweredWithPong(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ws := newWSConn(client)
	sr := bufio.NewReader(server)

	go serverWriteFrame(server, opPing, []byte("heartbeat"))

	pongCh := make(chan []byte, 1)
	go func() {
		op, payload, err := serverReadFrame(sr)
		if err != nil || op != opPong {
			pongCh <- nil
			return
		}
		pongCh <- payload
	}()

	msg, err := ws.poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if msg != nil {
		t.Errorf("ping should not surface a payload, got %q", msg)
	}
	select {
	case payload := <-pongCh:
		if string(payload) != "heartbeat" {
			t.Errorf("pong payload mismatch: %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}

func TestWsCloseFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ws := newWSConn(client)
	go serverWriteFrame(server, opClose, nil)

	_, err := ws.poll(time.Second)
	if !errors.Is(err, errWSClosed) {
		t.Errorf("expected errWSClosed, got: %v", err)
	}
}

func TestWsOversizeFrameRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ws := newWSConn(client)

	// Header only: claims a payload beyond the cap.
	go func() {
		header := make([]byte, 10)
		header[0] = 0x80 | opText
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(wsMaxPayload)+1)
		server.Write(header)
	}()

	_, err := ws.poll(time.Second)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected frame too large, got: %v", err)
	}
}

func TestWsFragmentedFrameRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ws := newWSConn(client)
	go server.Write([]byte{opText, 0x00}) // FIN clear

	_, err := ws.poll(time.Second)
	if err == nil || !strings.Contains(err.Error(), "fragmented") {
		t.Errorf("expected fragmentation error, got: %v", err)
	}
}
