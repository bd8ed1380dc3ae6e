package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// --- Cross-Task Message Types ---

// Request kinds pushed by the broker onto the input queue.
const (
	reqCall = iota
	reqGetStates
)

// upstreamRequest is one outbound request for the upstream bus.
type upstreamRequest struct {
	kind        int
	id          uint64 // correlation id
	domain      string // CALL
	service     string // CALL
	serviceData string // CALL: raw JSON, pre-validated by the broker
	entityID    string // GET target, echoed into the pending table
}

// Notification kinds emitted toward the broker on the output queue.
const (
	noteConnected = iota
	noteDisconnected
	noteResult
	noteState
)

// upstreamNotification is one inbound item for the broker reactor.
type upstreamNotification struct {
	kind     int
	id       uint64 // RESULT correlation id
	success  bool   // RESULT; absent "success" field means false
	payload  string // RESULT: raw JSON under "result", may be empty
	entityID string // STATE
	newState string // STATE: raw JSON object
}

// subscriptionID is the correlation id reserved for subscribe_events.
// Ordinary correlation ids start at 100 and never collide with it.
const subscriptionID = 1

const (
	sessionDialTimeout      = 10 * time.Second
	sessionHandshakeTimeout = 15 * time.Second
	sessionPollInterval     = 50 * time.Millisecond
)

// --- Endpoint URL ---

// haEndpoint is a parsed upstream URL.
type haEndpoint struct {
	tls  bool
	host string
	port int
	path string
}

func (e haEndpoint) addr() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// origin synthesizes the Origin header from the TLS setting and the
// explicit port.
func (e haEndpoint) origin() string {
	scheme := "http"
	if e.tls {
		scheme = "https"
	}
	return scheme + "://" + e.addr()
}

// parseEndpoint understands ws:// and wss:// URLs with optional port
// and path. Ports default to 80/443 by scheme; a missing or bare "/"
// path means /api/websocket.
func parseEndpoint(raw string) (haEndpoint, error) {
	var ep haEndpoint
	var rest string
	switch {
	case strings.HasPrefix(raw, "ws://"):
		rest = raw[len("ws://"):]
		ep.port = 80
	case strings.HasPrefix(raw, "wss://"):
		rest = raw[len("wss://"):]
		ep.tls = true
		ep.port = 443
	default:
		return ep, fmt.Errorf("unsupported url scheme: %q", raw)
	}

	hostport := rest
	ep.path = "/api/websocket"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport = rest[:i]
		if p := rest[i:]; p != "/" {
			ep.path = p
		}
	}

	ep.host = hostport
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return ep, fmt.Errorf("bad port in url: %q", raw)
		}
		ep.host = h
		ep.port = port
	}
	if ep.host == "" {
		return ep, fmt.Errorf("missing host in url: %q", raw)
	}
	return ep, nil
}

// --- Upstream Session ---

// haSession owns one framed transport from TCP connect through
// disconnect. The reactor never touches it; all crossings happen via
// the two queues.
type haSession struct {
	conn net.Conn
	ws   *wsConn
}

// connectSession dials the endpoint, upgrades, authenticates, and
// subscribes to state_changed events. Any failure along the way is
// terminal; the supervisor retries with backoff.
func connectSession(ep haEndpoint, token string) (*haSession, error) {
	dialer := net.Dialer{Timeout: sessionDialTimeout}
	conn, err := dialer.Dial("tcp", ep.addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.addr(), err)
	}
	if ep.tls {
		// Operator trust boundary is local; certificates are not
		// verified.
		tconn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true, ServerName: ep.host})
		tconn.SetDeadline(time.Now().Add(sessionHandshakeTimeout))
		if err := tconn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		tconn.SetDeadline(time.Time{})
		conn = tconn
	}

	s := &haSession{conn: conn, ws: newWSConn(conn)}
	if err := s.ws.handshake(ep.addr(), ep.path, ep.origin(), sessionHandshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.authenticate(token); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.subscribe(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *haSession) close() {
	s.conn.Close()
}

// authenticate waits for auth_required, sends the access token, and
// waits for auth_ok.
func (s *haSession) authenticate(token string) error {
	msg, err := s.ws.readText(sessionHandshakeTimeout)
	if err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if t := gjson.GetBytes(msg, "type").String(); t != "auth_required" {
		return fmt.Errorf("expected auth_required, got %q", t)
	}

	auth := `{"type":"auth","access_token":"` + escapeJSONString(token) + `"}`
	if err := s.ws.writeText([]byte(auth)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	msg, err = s.ws.readText(sessionHandshakeTimeout)
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	res := gjson.ParseBytes(msg)
	if t := res.Get("type").String(); t != "auth_ok" {
		return fmt.Errorf("auth failed: %s (%s)", t, res.Get("message").String())
	}
	return nil
}

// subscribe registers for state_changed events under the reserved id.
// The confirmation result carries id 1 and is discarded by the broker
// since no pending matches it.
func (s *haSession) subscribe() error {
	sub := fmt.Sprintf(`{"id":%d,"type":"subscribe_events","event_type":"state_changed"}`, subscriptionID)
	if err := s.ws.writeText([]byte(sub)); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

// run is the steady-state loop: each turn drains at most one request
// from the input queue and polls the transport for one frame, so
// outbound requests stay responsive while events stream in. Returns
// when the transport dies or ctx is cancelled.
func (s *haSession) run(ctx context.Context, in *fifo[upstreamRequest], out *fifo[upstreamNotification]) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if req, ok := in.tryPop(); ok {
			if err := s.send(req); err != nil {
				// Fail the in-flight request so its client still gets
				// a terminal reply, then let the supervisor reconnect.
				out.push(upstreamNotification{kind: noteResult, id: req.id})
				return fmt.Errorf("send request %d: %w", req.id, err)
			}
		}

		payload, err := s.ws.poll(sessionPollInterval)
		if err != nil {
			return err
		}
		if payload == nil {
			continue
		}
		if note, ok := parseUpstream(payload); ok {
			out.push(note)
		}
	}
}

// send serializes one request as a single JSON text frame. Service
// data is spliced in verbatim; the broker validated it already, and an
// empty payload becomes the literal {}.
func (s *haSession) send(req upstreamRequest) error {
	var msg string
	switch req.kind {
	case reqCall:
		data := req.serviceData
		if data == "" {
			data = "{}"
		}
		msg = fmt.Sprintf(`{"id":%d,"type":"call_service","domain":"%s","service":"%s","service_data":%s}`,
			req.id, escapeJSONString(req.domain), escapeJSONString(req.service), data)
	case reqGetStates:
		msg = fmt.Sprintf(`{"id":%d,"type":"get_states"}`, req.id)
	default:
		return fmt.Errorf("unknown request kind %d", req.kind)
	}
	return s.ws.writeText([]byte(msg))
}

// parseUpstream turns one incoming text frame into a notification.
// Unknown types, events under a foreign subscription id, and events
// missing entity_id or new_state are dropped without error; malformed
// JSON is logged and skipped.
func parseUpstream(payload []byte) (upstreamNotification, bool) {
	if !gjson.ValidBytes(payload) {
		logWarn("upstream sent malformed JSON", "bytes", len(payload))
		return upstreamNotification{}, false
	}
	msg := gjson.ParseBytes(payload)
	switch msg.Get("type").String() {
	case "result":
		return upstreamNotification{
			kind:    noteResult,
			id:      msg.Get("id").Uint(),
			success: msg.Get("success").Bool(),
			payload: msg.Get("result").Raw,
		}, true
	case "event":
		if msg.Get("id").Uint() != subscriptionID {
			return upstreamNotification{}, false
		}
		entity := msg.Get("event.data.entity_id")
		state := msg.Get("event.data.new_state")
		if !entity.Exists() || !state.Exists() {
			return upstreamNotification{}, false
		}
		return upstreamNotification{
			kind:     noteState,
			entityID: entity.String(),
			newState: state.Raw,
		}, true
	}
	return upstreamNotification{}, false
}
