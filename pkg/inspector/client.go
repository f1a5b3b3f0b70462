package inspector

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/obe711/realm-inspector-go/pkg/logging"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

// ClientState tracks the per-connection state machine:
// Starting → Ready → Closing → Closed.
type ClientState int

const (
	StateStarting ClientState = iota
	StateReady
	StateClosing
	StateClosed
)

const readChunkBytes = 64 * 1024

// sendQueueDepth bounds the per-client send queue. A client that cannot
// drain this many frames is treated as a failed transport.
const sendQueueDepth = 256

// Client is one accepted inspector connection: a receive loop feeding the
// stream buffer, an ordered send queue, and the set of subscriptions the
// connection owns.
type Client struct {
	id       string
	conn     net.Conn
	maxBytes int
	logger   *logging.Logger

	stateMu sync.Mutex
	state   ClientState

	sendMu     sync.Mutex
	sendCh     chan []byte
	sendClosed bool

	subsMu sync.Mutex
	subs   map[string]struct{}

	onRequest    func(*Client, *wire.Request)
	onDisconnect func(*Client)
	discOnce     sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

func newClient(conn net.Conn, maxBytes int, logger *logging.Logger) *Client {
	return &Client{
		id:       newConnectionID(),
		conn:     conn,
		maxBytes: maxBytes,
		logger:   logger,
		state:    StateStarting,
		sendCh:   make(chan []byte, sendQueueDepth),
		subs:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// RemoteAddr reports the peer address.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// start transitions to Ready and begins the receive and send loops. The
// transport is writable once Accept returns, so Starting is left
// immediately; a transport that failed during accept never reaches here.
func (c *Client) start() {
	c.stateMu.Lock()
	c.state = StateReady
	c.stateMu.Unlock()
	go c.writeLoop()
	go c.readLoop()
}

func (c *Client) readLoop() {
	sb := wire.NewStreamBuffer(c.maxBytes)
	chunk := make([]byte, readChunkBytes)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			sb.Append(chunk[:n])
			msgs, errs := sb.Extract()
			for _, decodeErr := range errs {
				// A malformed frame never corrupts subsequent framing;
				// the stream buffer has already advanced past it.
				c.logger.Infof("client %s: dropping malformed frame: %v", c.id, decodeErr)
			}
			for _, msg := range msgs {
				c.dispatchMessage(msg)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && c.State() == StateReady {
				c.beginClosing()
				return
			}
			c.terminate()
			return
		}
	}
}

func (c *Client) dispatchMessage(msg *wire.Message) {
	switch msg.Type {
	case wire.MessageTypeRequest:
		if c.onRequest != nil {
			c.onRequest(c, msg.Request)
		}
	default:
		// Clients have no business sending responses or notifications.
		c.logger.Debugf("client %s: discarding unexpected %s message", c.id, msg.Type)
	}
}

func (c *Client) writeLoop() {
	for frame := range c.sendCh {
		if _, err := c.conn.Write(frame); err != nil {
			c.logger.Infof("client %s: send failed: %v", c.id, err)
			c.terminate()
			// Drain so pending enqueuers never block on a dead peer.
			for range c.sendCh {
			}
			return
		}
	}
	// Send queue closed and drained: a Closing client completes its shutdown.
	c.finalize()
}

// SendResponse serializes and enqueues a response. Sends into a Closed
// client are discarded; the dispatcher relies on that to cancel in-flight
// replies structurally.
func (c *Client) SendResponse(resp *wire.Response) {
	c.send(wire.NewResponseMessage(resp))
}

// SendNotification enqueues a notification; only Ready clients receive
// notifications.
func (c *Client) SendNotification(n *wire.Notification) {
	if c.State() != StateReady {
		return
	}
	c.send(wire.NewNotificationMessage(n))
}

func (c *Client) send(msg *wire.Message) {
	state := c.State()
	if state != StateReady && state != StateClosing {
		return
	}
	frame, err := wire.Encode(msg, c.maxBytes)
	if err != nil {
		c.logger.Errorf("client %s: encode failed: %v", c.id, err)
		return
	}
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.sendCh <- frame:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		c.logger.Infof("client %s: send queue full, dropping connection", c.id)
		c.terminate()
	}
}

// beginClosing handles a peer EOF: the send queue drains, then the
// connection closes.
func (c *Client) beginClosing() {
	c.stateMu.Lock()
	if c.state != StateReady {
		c.stateMu.Unlock()
		return
	}
	c.state = StateClosing
	c.stateMu.Unlock()
	c.closeSendQueue()
}

// Close requests an orderly shutdown: pending sends drain, then the socket
// closes. Safe to call from any goroutine; idempotent.
func (c *Client) Close() {
	c.beginClosing()
}

func (c *Client) closeSendQueue() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.sendCh)
}

// finalize completes Closing → Closed after the send queue drained.
func (c *Client) finalize() {
	c.stateMu.Lock()
	c.state = StateClosed
	c.stateMu.Unlock()
	c.conn.Close()
	c.doneOnce.Do(func() { close(c.done) })
	c.fireDisconnect()
}

// terminate handles a transport failure: immediate Closed, no drain.
func (c *Client) terminate() {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return
	}
	c.state = StateClosed
	c.stateMu.Unlock()
	c.conn.Close()
	c.closeSendQueue()
	c.doneOnce.Do(func() { close(c.done) })
	c.fireDisconnect()
}

func (c *Client) fireDisconnect() {
	c.discOnce.Do(func() {
		if c.onDisconnect != nil {
			c.onDisconnect(c)
		}
	})
}

// addSubscription records membership. Callers hold the subscription
// manager's lock, keeping the membership set and the registry consistent.
func (c *Client) addSubscription(id string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[id] = struct{}{}
}

func (c *Client) removeSubscription(id string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, id)
}

func (c *Client) hasSubscription(id string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subs[id]
	return ok
}

// SubscriptionIDs snapshots the membership set.
func (c *Client) SubscriptionIDs() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}
