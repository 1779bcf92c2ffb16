// Package memtransport provides the required in-process reference
// implementation of net.Messenger (spec.md §1, §6.3, §9): a
// synchronous, reliable, in-order transport suitable for tests and
// cmd/tgdhdemo. Production deployments substitute a real transport
// library behind the same interface.
package memtransport

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	tgdhnet "github.com/keep-network/tgdh/pkg/net"
)

var logger = logging.Logger("tgdh-memtransport")

// Hub is the shared medium a group of Client handles publish to and
// subscribe from. It plays the role of the concrete transport library
// the core spec treats as an external collaborator.
type Hub struct {
	mu       sync.Mutex
	bound    map[string]bool
	handlers map[string][]func(tgdhnet.Payload)
	clients  map[*Client]bool
}

// NewHub returns an empty, ready-to-use Hub.
func NewHub() *Hub {
	return &Hub{
		bound:    make(map[string]bool),
		handlers: make(map[string][]func(tgdhnet.Payload)),
		clients:  make(map[*Client]bool),
	}
}

// Client is one member's handle onto a shared Hub, implementing
// net.Messenger. Each alias is single-writer: a second Bind of the
// same alias fails.
type Client struct {
	hub        *Hub
	ownAliases map[string]bool
}

// NewClient returns a fresh Messenger handle bound to hub.
func (h *Hub) NewClient() *Client {
	c := &Client{hub: h, ownAliases: make(map[string]bool)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

// Bind makes this client a publisher on alias.
func (c *Client) Bind(alias string) (tgdhnet.Address, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.hub.bound[alias] {
		return "", fmt.Errorf("memtransport: alias %q already bound", alias)
	}
	c.hub.bound[alias] = true
	c.ownAliases[alias] = true
	logger.Debugw("bind", "alias", alias)
	return tgdhnet.Address(alias), nil
}

// Connect subscribes handler to the publisher named by addr.
func (c *Client) Connect(addr tgdhnet.Address, handler func(tgdhnet.Payload)) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	alias := string(addr)
	if !c.hub.bound[alias] {
		return fmt.Errorf("memtransport: no publisher bound for %q", alias)
	}
	c.hub.handlers[alias] = append(c.hub.handlers[alias], handler)
	return nil
}

// Send publishes payload on alias, synchronously invoking every
// subscriber's handler in send order.
func (c *Client) Send(alias string, payload tgdhnet.Payload) error {
	c.hub.mu.Lock()
	if !c.ownAliases[alias] {
		c.hub.mu.Unlock()
		return fmt.Errorf("memtransport: client does not own alias %q", alias)
	}
	handlers := append([]func(tgdhnet.Payload){}, c.hub.handlers[alias]...)
	c.hub.mu.Unlock()

	logger.Debugw("send", "alias", alias, "subscribers", len(handlers))
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

// CloseAll releases every alias this client has bound, together with
// every handler subscribed to those aliases. Handlers this client
// registered on other clients' aliases through Connect are not removed;
// they go away when those clients call CloseAll.
func (c *Client) CloseAll() {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for alias := range c.ownAliases {
		delete(c.hub.bound, alias)
		delete(c.hub.handlers, alias)
	}
	c.ownAliases = make(map[string]bool)
	delete(c.hub.clients, c)
}
