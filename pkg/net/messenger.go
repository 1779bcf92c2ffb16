// Package net defines the Messenger capability (spec.md §6.3) that the
// TGDH core requires of any transport: bind a publishing alias,
// connect a subscriber, send a payload, and tear everything down. The
// concrete transport library is explicitly out of the core's scope
// (spec.md §1); pkg/net/memtransport is the required in-process
// reference implementation used by tests and cmd/tgdhdemo.
package net

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/keep-network/tgdh/pkg/tgdh/keytree"
)

// Address identifies a bound publisher; its representation is opaque
// to the core and meaningful only to the concrete Messenger.
type Address string

// Payload is the closed set of messages a Messenger may carry.
type Payload interface {
	isPayload()
}

// BlindKeyAnnouncement announces the blind value of the node named
// Name. Its canonical wire encoding is the UTF-8 string "<l,v>:BLIND"
// (spec.md §6.3), bit-exact across implementations.
type BlindKeyAnnouncement struct {
	Name  string
	Blind *big.Int
}

func (BlindKeyAnnouncement) isPayload() {}

// Encode renders the canonical wire form "<l,v>:BLIND".
func (a BlindKeyAnnouncement) Encode() string {
	return fmt.Sprintf("%s:%s", a.Name, a.Blind.Text(10))
}

// DecodeBlindKeyAnnouncement parses the canonical wire form produced
// by Encode.
func DecodeBlindKeyAnnouncement(wire string) (BlindKeyAnnouncement, error) {
	idx := strings.LastIndex(wire, ":")
	if idx < 0 {
		return BlindKeyAnnouncement{}, fmt.Errorf("net: malformed blind key announcement %q", wire)
	}
	name, digits := wire[:idx], wire[idx+1:]
	if !strings.HasPrefix(name, "<") || !strings.HasSuffix(name, ">") {
		return BlindKeyAnnouncement{}, fmt.Errorf("net: malformed node name %q", name)
	}
	blind, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return BlindKeyAnnouncement{}, fmt.Errorf("net: malformed blind value %q", digits)
	}
	return BlindKeyAnnouncement{Name: name, Blind: blind}, nil
}

// TreeSnapshot carries a full structural copy of a tree to a freshly
// joined member. It is opaque to the transport; a deep copy is
// required but structural sharing with the sender's own tree is not.
type TreeSnapshot struct {
	Tree *keytree.Tree
}

func (TreeSnapshot) isPayload() {}

// ParsePosition parses a "<l,v>" node name into its (l, v) components.
func ParsePosition(name string) (l, v int, err error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "<"), ">")
	parts := strings.SplitN(trimmed, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("net: malformed node name %q", name)
	}
	l, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("net: malformed node name %q: %w", name, err)
	}
	v, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("net: malformed node name %q: %w", name, err)
	}
	return l, v, nil
}

// Messenger is the capability set a transport must provide (spec.md
// §6.3). Any at-least-once, per-publisher in-order transport
// suffices; the core never assumes more.
type Messenger interface {
	// Bind makes this member a publisher on a named channel.
	Bind(alias string) (Address, error)
	// Connect subscribes handler to the publisher at addr.
	Connect(addr Address, handler func(Payload)) error
	// Send publishes payload on alias, which must already be bound.
	Send(alias string, payload Payload) error
	// CloseAll drops every subscription and binding owned by this
	// Messenger handle.
	CloseAll()
}
