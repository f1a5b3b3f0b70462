// Package inspector implements the debug agent's protocol server: framed
// request/response dispatch over accepted byte streams, plus live change
// subscriptions, on top of a narrow database adapter.
//
// The agent is debug-only: connections are neither authenticated nor
// encrypted. Hosts decide whether to start it at all.
package inspector

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/config"
	"github.com/obe711/realm-inspector-go/pkg/logging"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

// ErrAlreadyRunning reports a second Start on a running server.
var ErrAlreadyRunning = errors.New("server already running")

// MutationHook observes successful mutating operations, e.g. for an audit
// trail.
type MutationHook func(op wire.RequestKind, typeName string)

// Server owns the listeners, the per-client state machines, the dispatcher
// and the subscription manager.
type Server struct {
	cfg    config.ServerConfig
	db     adapter.Adapter
	logger *logging.Logger

	loop       *runLoop
	dispatcher *Dispatcher
	subs       *SubscriptionManager

	mu        sync.Mutex
	running   bool
	listeners []net.Listener
	clients   map[string]*Client
	wg        sync.WaitGroup
}

// NewServer constructs a stopped server.
func NewServer(cfg config.ServerConfig, db adapter.Adapter, logger *logging.Logger) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = wire.DefaultMaxMessageBytes
	}
	loop := newRunLoop()
	s := &Server{
		cfg:     cfg,
		db:      db,
		logger:  logger,
		loop:    loop,
		clients: make(map[string]*Client),
	}
	s.dispatcher = NewDispatcher(db, loop, logger)
	s.subs = NewSubscriptionManager(db, loop, logger)
	return s
}

// OnMutation installs a hook observing successful mutating operations.
// Must be called before Start.
func (s *Server) OnMutation(hook MutationHook) {
	s.dispatcher.onMutation = hook
}

// Start opens the configured listeners and begins accepting connections.
// The network listener binds every interface so the companion desktop UI
// can reach the device over LAN; the usb-muxed listener stays on loopback.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	mode := s.cfg.TransportMode
	if mode == "" {
		mode = config.TransportBoth
	}
	if mode == config.TransportNetworkOnly || mode == config.TransportBoth {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.NetworkPort))
		if err != nil {
			s.Stop()
			return fmt.Errorf("listen network port %d: %w", s.cfg.NetworkPort, err)
		}
		s.logger.Infof("inspector listening on %s (unauthenticated debug transport; non-loopback)", ln.Addr())
		s.AttachListener(ln)
	}
	if mode == config.TransportUSBOnly || mode == config.TransportBoth {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.USBPort))
		if err != nil {
			s.Stop()
			return fmt.Errorf("listen usb port %d: %w", s.cfg.USBPort, err)
		}
		s.logger.Infof("inspector listening on %s (usb-muxed)", ln.Addr())
		s.AttachListener(ln)
	}
	return nil
}

// AttachListener registers an externally constructed listener and starts
// accepting from it. Used by Start for the built-in TCP transports and by
// hosts supplying their own (service-discovery or muxer-provided) listener.
// The server takes ownership and closes it on Stop.
func (s *Server) AttachListener(ln net.Listener) {
	s.mu.Lock()
	if !s.running {
		s.running = true
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isRunning() {
				s.logger.Infof("accept error: %v", err)
			}
			return
		}
		s.addClient(conn)
	}
}

func (s *Server) addClient(conn net.Conn) {
	client := newClient(conn, s.cfg.MaxMessageBytes, s.logger)
	client.onRequest = s.route
	client.onDisconnect = s.dropClient

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client.id] = client
	s.mu.Unlock()

	s.logger.Debugf("client %s connected from %s", client.id, conn.RemoteAddr())
	client.start()
}

// route sends subscribe/unsubscribe to the subscription manager and
// everything else to the dispatcher. Both paths produce exactly one
// response per request id.
func (s *Server) route(client *Client, req *wire.Request) {
	reply := func(resp *wire.Response) {
		client.SendResponse(resp)
	}
	switch req.Type {
	case wire.RequestSubscribe:
		s.subs.Subscribe(client, req, reply)
	case wire.RequestUnsubscribe:
		s.subs.Unsubscribe(client, req, reply)
	default:
		s.dispatcher.Dispatch(req, reply)
	}
}

func (s *Server) dropClient(client *Client) {
	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()
	s.subs.TearDownClient(client)
	s.logger.Debugf("client %s disconnected", client.id)
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SubscriptionCount reports the number of live subscriptions.
func (s *Server) SubscriptionCount() int {
	return s.subs.Count()
}

// Stop cancels the listeners, closes every client, tears down every
// subscription and stops the adapter run loop. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	listeners := s.listeners
	s.listeners = nil
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	s.wg.Wait()
	for _, c := range clients {
		c.terminate()
	}
	s.subs.TearDownAll()
	s.loop.Close()
	s.logger.Infof("inspector stopped")
}
