// Package member implements MemberSession: a single member's view of
// the TGDH protocol (spec.md §4.4). A Session wraps one KeyTree with
// its own identity and the local, per-member protocol steps;
// orchestrating many Sessions through a round of message exchange is
// the job of pkg/tgdh/group.
package member

import (
	"fmt"
	"math/big"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	tgdhnet "github.com/keep-network/tgdh/pkg/net"
	"github.com/keep-network/tgdh/pkg/tgdh/keyengine"
	"github.com/keep-network/tgdh/pkg/tgdh/keynode"
	"github.com/keep-network/tgdh/pkg/tgdh/keytree"
	"github.com/keep-network/tgdh/pkg/tgdh/tgdherr"
)

var logger = logging.Logger("tgdh-member")

// Session is one member's local view of the group: its KeyTree, its
// engine, its own member ID and its Messenger handle. Structural
// mutation of the wrapped KeyTree (ApplyJoin, ApplyLeave, AdoptSnapshot,
// FinishRefresh) is serialised through mu; GenerateLeafKeys and
// DerivePath write key fields after releasing it, as do callers that
// edit nodes obtained from Tree or MyNode. A Session is safe to drive
// from a single goroutine at a time.
type Session struct {
	mu        sync.Mutex
	engine    *keyengine.Engine
	messenger tgdhnet.Messenger
	tree      *keytree.Tree
	mid       int
}

// NewSession returns a Session bound to engine and messenger. Call
// Initialise (for a founding member) or AdoptSnapshot (for a member
// joining an existing group) before using it.
func NewSession(engine *keyengine.Engine, messenger tgdhnet.Messenger) *Session {
	return &Session{engine: engine, messenger: messenger}
}

// Initialise builds a fresh KeyTree of size members, locates myMID
// within it, and generates that member's own leaf private/blind key.
// It does not perform the initial key exchange; that is
// group.Coordinator's job, driving every Session in the group in
// lockstep.
func (s *Session) Initialise(size, myMID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, err := keytree.Build(size)
	if err != nil {
		return fmt.Errorf("member: initialise: %w", err)
	}
	s.tree = tree
	s.mid = myMID

	me := s.tree.FindByMID(myMID)
	if me == nil {
		return fmt.Errorf("member: initialise: member %d not found in built tree", myMID)
	}
	if err := s.engine.GenPrivate(me); err != nil {
		return err
	}
	if err := s.engine.GenBlind(me); err != nil {
		return err
	}
	logger.Debugw("initialised session", "mid", myMID, "size", size)
	return nil
}

// AdoptSnapshot adopts a TreeSnapshot received from a sponsor (the
// only use of on_tree_received, spec.md §4.4) as this session's
// starting tree, and records myMID as this member's identity within
// it. The caller is still responsible for generating this member's
// own leaf key material afterward.
func (s *Session) AdoptSnapshot(tree *keytree.Tree, myMID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = tree
	s.mid = myMID
}

// Tree returns the session's current KeyTree.
func (s *Session) Tree() *keytree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Engine returns the session's KeyEngine.
func (s *Session) Engine() *keyengine.Engine {
	return s.engine
}

// Messenger returns the session's Messenger handle.
func (s *Session) Messenger() tgdhnet.Messenger {
	return s.messenger
}

// MID returns this member's own member ID.
func (s *Session) MID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mid
}

// MyNode locates and returns this member's own leaf node in the
// current tree.
func (s *Session) MyNode() *keynode.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.FindByMID(s.mid)
}

// GenerateLeafKeys draws a fresh private/blind key pair for this
// member's own leaf. Used by a sponsor (a fresh key, since the
// member formerly at that node is gone) and by a new member joining.
func (s *Session) GenerateLeafKeys() error {
	me := s.MyNode()
	if me == nil {
		return fmt.Errorf("member: cannot generate leaf keys: own node not found")
	}
	if err := s.engine.GenPrivate(me); err != nil {
		return err
	}
	return s.engine.GenBlind(me)
}

// ApplyJoin performs the local structural mutation for a join event
// (spec.md §4.2 Join) and returns the new member's ID.
func (s *Session) ApplyJoin() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Join()
}

// ApplyLeave performs the local structural mutation for a leave event
// (spec.md §4.2 Leave). It returns tgdherr.ErrGroupEmpty, unwrapped
// with errors.Is, when the group has been reduced to a single member.
func (s *Session) ApplyLeave(mid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Leave(mid)
}

// IsSponsor reports whether this member's own node is currently
// carrying the transient Sponsor role.
func (s *Session) IsSponsor() bool {
	me := s.MyNode()
	return me != nil && me.Role == keynode.RoleSponsor
}

// DerivePath recomputes every key on this member's key-path up to and
// including the Root, using whatever co-path blind keys are currently
// known. Returns tgdherr.ErrBadKeyMaterial (via the wrapped KeyEngine
// error) if a co-path blind value is invalid; the tree is left
// unchanged in that case.
func (s *Session) DerivePath() error {
	me := s.MyNode()
	if me == nil {
		return fmt.Errorf("member: cannot derive path: own node not found")
	}
	return s.engine.DerivePath(me)
}

// FinishRefresh clears the transient Sponsor role now that a refresh
// round has completed.
func (s *Session) FinishRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.FinishRefresh()
}

// GroupKey returns the current group key: the Root's private scalar.
// It is nil until the initial key exchange (or a subsequent refresh)
// has completed.
func (s *Session) GroupKey() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Root().Priv
}

// Close releases this session's Messenger bindings. Called when the
// session terminates, including the tgdherr.ErrGroupEmpty case
// (spec.md §5 Cancellation).
func (s *Session) Close() {
	s.messenger.CloseAll()
}

// EnsureNotEmpty is a convenience wrapper that turns
// tgdherr.ErrGroupEmpty into a clean session shutdown: it closes the
// Messenger and returns the error unchanged for the caller to act on.
func (s *Session) EnsureNotEmpty(err error) error {
	if err == nil {
		return nil
	}
	if isGroupEmpty(err) {
		s.Close()
	}
	return err
}

func isGroupEmpty(err error) bool {
	return err == tgdherr.ErrGroupEmpty
}
