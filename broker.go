package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// --- Broker Limits ---

const (
	maxLineBytes       = 2048
	maxPendingSlots    = 1024
	maxSubsPerClient   = 256
	maxReplyBytes      = wsMaxPayload
	clientWriteTimeout = 500 * time.Millisecond
)

// Error kinds sent on the wire as "err <kind>".
const (
	errBadArgs        = "bad_args"
	errBadJSON        = "bad_json"
	errBusy           = "busy"
	errHADisconnected = "ha_disconnected"
	errHAError        = "ha_error"
	errNotFound       = "not_found"
	errOOM            = "oom"
	errTooMany        = "too_many"
	errUnknown        = "unknown"
)

// --- Client State ---

// subscription is one entity filter registered by a client. Ids are
// per-client and never reused within a connection.
type subscription struct {
	id     int
	entity string
}

type brokerClient struct {
	id        uint64
	conn      net.Conn
	nextSubID int
	subs      []subscription
}

// Pending request kinds, matched up when the RESULT comes back.
const (
	pendingCall = iota
	pendingGet
)

// pending is one slot of the in-flight request table. Clients are
// referenced by id, not pointer, so a slot owned by a departed client
// resolves to a silent drop.
type pending struct {
	used   bool
	id     uint64 // correlation id
	kind   int
	client uint64
	entity string // GET target
}

// clientInput is one line (or the EOF marker) from a client reader
// goroutine.
type clientInput struct {
	client uint64
	line   string
	eof    bool
}

// --- Broker ---

// Broker is the single-threaded reactor that owns all client and
// pending state. Reader and acceptor goroutines only feed its
// channels; the session task is reached through the two queues.
type Broker struct {
	socketPath string
	ln         net.Listener

	in  *fifo[upstreamRequest]
	out *fifo[upstreamNotification]

	clients         map[uint64]*brokerClient
	nextClientID    uint64
	nextCorrelation uint64
	pendings        [maxPendingSlots]pending
	wsConnected     bool

	acceptCh chan net.Conn
	inputCh  chan clientInput
}

func newBroker(socketPath string, in *fifo[upstreamRequest], out *fifo[upstreamNotification]) *Broker {
	return &Broker{
		socketPath:      socketPath,
		in:              in,
		out:             out,
		clients:         make(map[uint64]*brokerClient),
		nextClientID:    1,
		nextCorrelation: 100,
		acceptCh:        make(chan net.Conn),
		inputCh:         make(chan clientInput, 64),
	}
}

// listen binds the unix socket, clearing any stale path from a
// previous run.
func (b *Broker) listen() error {
	os.Remove(b.socketPath)
	ln, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return err
	}
	b.ln = ln
	return nil
}

// run is the reactor loop. All state mutation happens here.
func (b *Broker) run(ctx context.Context) {
	go b.acceptLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case conn := <-b.acceptCh:
			b.addClient(ctx, conn)
		case input := <-b.inputCh:
			if input.eof {
				b.dropClient(input.client, nil)
			} else {
				b.handleCommand(input.client, input.line)
			}
		case <-b.out.wake:
			for {
				note, ok := b.out.tryPop()
				if !ok {
					break
				}
				b.handleNotification(note)
			}
		}
	}
}

func (b *Broker) acceptLoop(ctx context.Context) {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logWarn("accept failed", "error", err)
			continue
		}
		select {
		case b.acceptCh <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// addClient registers the connection and sends the connectivity
// greeting so the client knows the upstream state immediately.
func (b *Broker) addClient(ctx context.Context, conn net.Conn) {
	c := &brokerClient{id: b.nextClientID, conn: conn, nextSubID: 1}
	b.nextClientID++
	b.clients[c.id] = c
	logDebug("client connected", "client", c.id)

	if b.wsConnected {
		b.writeLine(c, "evt connected")
	} else {
		b.writeLine(c, "evt disconnected")
	}

	go b.readLoop(ctx, c.id, conn)
}

// readLoop accumulates bytes into LF-terminated lines and forwards
// them to the reactor. A line exceeding the buffer drops the partial
// and discards input until the next LF. On any read error the loop
// reports EOF and exits; the reactor owns the teardown.
func (b *Broker) readLoop(ctx context.Context, id uint64, conn net.Conn) {
	buf := make([]byte, 0, maxLineBytes)
	chunk := make([]byte, 512)
	discarding := false

	deliver := func(in clientInput) bool {
		select {
		case b.inputCh <- in:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		n, err := conn.Read(chunk)
		for _, ch := range chunk[:n] {
			if discarding {
				if ch == '\n' {
					discarding = false
				}
				continue
			}
			if ch == '\n' {
				if !deliver(clientInput{client: id, line: string(buf)}) {
					return
				}
				buf = buf[:0]
				continue
			}
			if len(buf) == maxLineBytes {
				logWarn("client line too long, discarding", "client", id)
				buf = buf[:0]
				discarding = true
				continue
			}
			buf = append(buf, ch)
		}
		if err != nil {
			deliver(clientInput{client: id, eof: true})
			return
		}
	}
}

// writeLine sends one LF-terminated line with a short deadline. A full
// or dead client is dropped rather than allowed to stall the reactor.
// An oversized reply is replaced by err oom.
func (b *Broker) writeLine(c *brokerClient, line string) {
	if len(line) > maxReplyBytes {
		line = "err " + errOOM
	}
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if _, err := c.conn.Write(append([]byte(line), '\n')); err != nil {
		b.dropClient(c.id, err)
	}
}

// dropClient removes the client and frees its pending slots. Safe to
// call twice for the same id; teardown runs only for the first.
func (b *Broker) dropClient(id uint64, err error) {
	c, ok := b.clients[id]
	if !ok {
		return
	}
	delete(b.clients, id)
	c.conn.Close()
	for i := range b.pendings {
		if b.pendings[i].used && b.pendings[i].client == id {
			b.pendings[i] = pending{}
		}
	}
	if err != nil {
		logDebug("client dropped", "client", id, "error", err)
	} else {
		logDebug("client disconnected", "client", id)
	}
}

// --- Command Dispatch ---

// cutField splits off the first whitespace-delimited field.
func cutField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

func (b *Broker) handleCommand(id uint64, line string) {
	c, ok := b.clients[id]
	if !ok {
		return
	}
	line = strings.TrimRight(line, "\r")
	cmd, rest := cutField(line)
	switch cmd {
	case "":
		// Blank lines are ignored.
	case "ping":
		b.writeLine(c, "ok")
	case "info":
		if b.wsConnected {
			b.writeLine(c, `ok {"ws":"connected"}`)
		} else {
			b.writeLine(c, `ok {"ws":"disconnected"}`)
		}
	case "subs":
		b.replySubs(c)
	case "sub-state":
		b.cmdSubState(c, rest)
	case "unsub":
		b.cmdUnsub(c, rest)
	case "get":
		b.cmdGet(c, rest)
	case "call":
		b.cmdCall(c, rest)
	default:
		b.writeLine(c, "err "+errUnknown)
	}
}

// replySubs lists the client's subscriptions as a JSON array of
// {id, entity_id} pairs.
func (b *Broker) replySubs(c *brokerClient) {
	buf := append(make([]byte, 0, 64), "ok ["...)
	for i, sub := range c.subs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, `{"id":`...)
		buf = strconv.AppendInt(buf, int64(sub.id), 10)
		buf = append(buf, `,"entity_id":"`...)
		buf = appendJSONEscaped(buf, sub.entity)
		buf = append(buf, `"}`...)
	}
	buf = append(buf, ']')
	b.writeLine(c, string(buf))
}

func (b *Broker) cmdSubState(c *brokerClient, args string) {
	entity, rest := cutField(args)
	if entity == "" || rest != "" {
		b.writeLine(c, "err "+errBadArgs)
		return
	}
	if len(c.subs) >= maxSubsPerClient {
		b.writeLine(c, "err "+errTooMany)
		return
	}
	sub := subscription{id: c.nextSubID, entity: entity}
	c.nextSubID++
	c.subs = append(c.subs, sub)
	b.writeLine(c, "ok sub_id="+strconv.Itoa(sub.id))
}

func (b *Broker) cmdUnsub(c *brokerClient, args string) {
	field, rest := cutField(args)
	if field == "" || rest != "" {
		b.writeLine(c, "err "+errBadArgs)
		return
	}
	subID, err := strconv.Atoi(field)
	if err != nil {
		b.writeLine(c, "err "+errBadArgs)
		return
	}
	for i, sub := range c.subs {
		if sub.id == subID {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			b.writeLine(c, "ok")
			return
		}
	}
	b.writeLine(c, "err "+errNotFound)
}

func (b *Broker) cmdGet(c *brokerClient, args string) {
	entity, rest := cutField(args)
	if entity == "" || rest != "" {
		b.writeLine(c, "err "+errBadArgs)
		return
	}
	if !b.wsConnected {
		b.writeLine(c, "err "+errHADisconnected)
		return
	}
	slot := b.allocPending()
	if slot < 0 {
		b.writeLine(c, "err "+errBusy)
		return
	}
	id := b.nextCorrelationID()
	b.pendings[slot] = pending{used: true, id: id, kind: pendingGet, client: c.id, entity: entity}
	b.in.push(upstreamRequest{kind: reqGetStates, id: id, entityID: entity})
}

func (b *Broker) cmdCall(c *brokerClient, args string) {
	domain, rest := cutField(args)
	service, rest := cutField(rest)
	data := strings.TrimSpace(rest)
	if domain == "" || service == "" {
		b.writeLine(c, "err "+errBadArgs)
		return
	}
	// Validate before consuming a correlation id so a malformed payload
	// never occupies a pending slot.
	if data != "" && !gjson.Valid(data) {
		b.writeLine(c, "err "+errBadJSON)
		return
	}
	if !b.wsConnected {
		b.writeLine(c, "err "+errHADisconnected)
		return
	}
	slot := b.allocPending()
	if slot < 0 {
		b.writeLine(c, "err "+errBusy)
		return
	}
	id := b.nextCorrelationID()
	b.pendings[slot] = pending{used: true, id: id, kind: pendingCall, client: c.id}
	b.in.push(upstreamRequest{kind: reqCall, id: id, domain: domain, service: service, serviceData: data})
}

// allocPending returns a free slot index, or -1 when all slots are
// in flight.
func (b *Broker) allocPending() int {
	for i := range b.pendings {
		if !b.pendings[i].used {
			return i
		}
	}
	return -1
}

func (b *Broker) nextCorrelationID() uint64 {
	id := b.nextCorrelation
	b.nextCorrelation++
	return id
}

// --- Upstream Notifications ---

func (b *Broker) handleNotification(note upstreamNotification) {
	switch note.kind {
	case noteConnected:
		if b.wsConnected {
			return
		}
		b.wsConnected = true
		b.broadcast("evt connected")
	case noteDisconnected:
		if !b.wsConnected {
			return
		}
		b.wsConnected = false
		b.broadcast("evt disconnected")
	case noteResult:
		b.routeResult(note)
	case noteState:
		b.fanOutState(note.entityID, note.newState)
	}
}

// routeResult resolves the pending slot matching the correlation id.
// Results with no matching slot (the subscription confirmation, or a
// reply for a departed client) vanish without a trace.
func (b *Broker) routeResult(note upstreamNotification) {
	slot := -1
	for i := range b.pendings {
		if b.pendings[i].used && b.pendings[i].id == note.id {
			slot = i
			break
		}
	}
	if slot < 0 {
		return
	}
	p := b.pendings[slot]
	b.pendings[slot] = pending{}

	c, ok := b.clients[p.client]
	if !ok {
		return
	}
	if !b.wsConnected {
		b.writeLine(c, "err "+errHADisconnected)
		return
	}
	if !note.success {
		b.writeLine(c, "err "+errHAError)
		return
	}

	switch p.kind {
	case pendingCall:
		b.writeLine(c, "ok")
	case pendingGet:
		// A states payload that is not a JSON array is upstream
		// corruption, distinct from an entity that is simply absent.
		if note.payload == "" || !gjson.Valid(note.payload) || !gjson.Parse(note.payload).IsArray() {
			b.writeLine(c, "err "+errBadJSON)
			return
		}
		raw, found := stateForEntity(note.payload, p.entity)
		if !found {
			b.writeLine(c, "err "+errNotFound)
			return
		}
		b.writeLine(c, "ok "+raw)
	}
}

// fanOutState delivers one state change to every matching subscription
// of every client, once per subscription. writeLine may drop the
// client mid-iteration, so membership is rechecked after each send.
func (b *Broker) fanOutState(entityID, newState string) {
	for id, c := range b.clients {
		for _, sub := range c.subs {
			if sub.entity != entityID {
				continue
			}
			b.writeLine(c, "evt state "+entityID+" "+newState)
			if _, alive := b.clients[id]; !alive {
				break
			}
		}
	}
}

func (b *Broker) broadcast(line string) {
	for _, c := range b.clients {
		b.writeLine(c, line)
	}
}

// shutdown closes the listener and every client, then removes the
// socket path.
func (b *Broker) shutdown() {
	b.ln.Close()
	for id := range b.clients {
		b.dropClient(id, nil)
	}
	os.Remove(b.socketPath)
	logInfo("broker stopped")
}
