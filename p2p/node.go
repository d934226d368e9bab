package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HandlerFunc processes one received message. A returned error is reported back to
// the sender; a *RetryableError asks the sender to try again later.
type HandlerFunc func(n *Node, msg Message) error

// RetryableError marks a handler failure that may succeed when resent.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// PeerError is a non-OK reply from a peer.
type PeerError struct {
	Peer   string
	Status int
	Body   string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s returned %d: %s", e.Peer, e.Status, e.Body)
}

// Temporary reports whether resending could succeed.
func (e *PeerError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError
}

// Node is one member of the replication network.
type Node struct {
	ID        string
	Address   string
	server    *http.Server
	listener  net.Listener
	waitGroup *sync.WaitGroup
	client    *http.Client
	log       zerolog.Logger

	mu       sync.RWMutex
	peers    map[string]string // node ID -> address
	handlers map[string]HandlerFunc
}

func NewNode(id, address string, peers map[string]string, wg *sync.WaitGroup, log zerolog.Logger) *Node {
	n := &Node{
		ID:        id,
		Address:   address,
		waitGroup: wg,
		client:    &http.Client{Timeout: 5 * time.Second},
		log:       log.With().Str("node", id).Logger(),
		handlers:  make(map[string]HandlerFunc),
	}
	n.SetPeers(peers)
	return n
}

// SetPeers replaces the peer directory. The node's own ID is ignored.
func (n *Node) SetPeers(peers map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = make(map[string]string, len(peers))
	for id, addr := range peers {
		if id != n.ID {
			n.peers[id] = addr
		}
	}
}

// PeerIDs lists the known peers.
func (n *Node) PeerIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

func (n *Node) RegisterHandler(messageType string, fn HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[messageType] = fn
}

// messageHandler decodes the envelope and dispatches it on its type.
func (n *Node) messageHandler(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		n.log.Warn().Err(err).Msg("bad message body")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	n.mu.RLock()
	handler, ok := n.handlers[msg.Type]
	n.mu.RUnlock()
	if !ok {
		n.log.Warn().Str("type", msg.Type).Str("from", msg.SenderID).Msg("unknown message type")
		http.Error(w, "unknown message type "+msg.Type, http.StatusBadRequest)
		return
	}

	n.log.Debug().Str("type", msg.Type).Str("from", msg.SenderID).Msg("message received")
	if err := handler(n, msg); err != nil {
		status := http.StatusUnprocessableEntity
		var retry *RetryableError
		if errors.As(err, &retry) {
			status = http.StatusServiceUnavailable
		}
		n.log.Warn().Err(err).Str("type", msg.Type).Str("from", msg.SenderID).Msg("message handler failed")
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StartServer listens on the node's address and serves /message in the background.
// It signals on ready once the listener is open.
func (n *Node) StartServer(ready chan<- struct{}) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", n.messageHandler)

	listener, err := net.Listen("tcp", n.Address)
	if err != nil {
		return fmt.Errorf("node %s: listen on %s: %w", n.ID, n.Address, err)
	}
	n.listener = listener
	n.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	n.waitGroup.Add(1)
	go func() {
		defer n.waitGroup.Done()
		n.log.Info().Str("addr", listener.Addr().String()).Msg("p2p server starting")
		if ready != nil {
			ready <- struct{}{}
		}
		if err := n.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error().Err(err).Msg("p2p server failed")
		}
		n.log.Info().Msg("p2p server stopped")
	}()
	return nil
}

// Addr is the bound listen address, useful when Address used port 0.
func (n *Node) Addr() string {
	if n.listener == nil {
		return n.Address
	}
	return n.listener.Addr().String()
}

func (n *Node) Close() error {
	if n.server == nil {
		return nil
	}
	return n.server.Close()
}

// SendMessage sends payload, marshalled to JSON, to targetID.
func (n *Node) SendMessage(targetID, messageType string, payload interface{}) error {
	msg, err := newMessage(n.ID, messageType, payload)
	if err != nil {
		return err
	}
	return n.send(context.Background(), targetID, msg)
}

// Broadcast sends payload to every peer and joins the failures.
func (n *Node) Broadcast(messageType string, payload interface{}) error {
	msg, err := newMessage(n.ID, messageType, payload)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range n.PeerIDs() {
		if err := n.send(context.Background(), id, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) send(ctx context.Context, targetID string, msg Message) error {
	n.mu.RLock()
	targetAddress, ok := n.peers[targetID]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer '%s' not found in directory", targetID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+targetAddress+"/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", targetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		reply, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &PeerError{Peer: targetID, Status: resp.StatusCode, Body: string(bytes.TrimSpace(reply))}
	}
	return nil
}
