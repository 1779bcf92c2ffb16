// Package group implements GroupCoordinator: the orchestration of many
// member.Session values through one round of the TGDH protocol —
// initial key exchange, a join round, or a leave round (spec.md §4.5).
// A production deployment would run one MemberSession per process,
// each independently scheduled and talking only through a Messenger;
// this package plays that same role for a group of Sessions driven
// from a single coordinator, which is what both cmd/tgdhdemo and the
// package's own tests need.
package group

import (
	"context"
	"fmt"
	"math/big"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	tgdhnet "github.com/keep-network/tgdh/pkg/net"
	"github.com/keep-network/tgdh/pkg/tgdh/keynode"
	"github.com/keep-network/tgdh/pkg/tgdh/keytree"
	"github.com/keep-network/tgdh/pkg/tgdh/member"
	"github.com/keep-network/tgdh/pkg/tgdh/tgdherr"
)

var logger = logging.Logger("tgdh-group")

// Coordinator drives a group of MemberSessions through the
// publish/subscribe rounds spec.md §4.5 describes, level by level,
// using an explicit epoch barrier rather than a fixed sleep between
// rounds (spec.md §9 Open Question 1).
type Coordinator struct{}

// NewCoordinator returns a ready-to-use Coordinator. It is stateless
// between rounds; all state lives in the Sessions passed to each Run
// method.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

func memberAlias(mid int) string {
	return fmt.Sprintf("mem_%d", mid)
}

// padPaths right-aligns me's key-path and co-path to height, so that
// every member's real work at a given global level lines up with
// every other member's, regardless of their own depth in the tree
// (spec.md §4.5).
func padPaths(me *keynode.Node, height int) (keyPadded, coPadded []*keynode.Node) {
	keyPath := me.PathToRoot()
	coPath := me.CoPath()

	keyPadded = make([]*keynode.Node, height+1)
	koff := height + 1 - len(keyPath)
	for i, n := range keyPath {
		keyPadded[koff+i] = n
	}

	coPadded = make([]*keynode.Node, height)
	coff := height - len(coPath)
	for i, n := range coPath {
		coPadded[coff+i] = n
	}
	return keyPadded, coPadded
}

// RunInitialExchange runs the initial key exchange (spec.md §4.1)
// across every session in the group: size independently scheduled
// members, size-1 internal nodes, and floor(log2(2*size-2)) levels of
// publish/subscribe/barrier rounds. On success every session's
// GroupKey agrees.
func (c *Coordinator) RunInitialExchange(sessions []*member.Session) error {
	size := len(sessions)
	if size < 2 {
		logger.Debugw("single-member group has no exchange to run", "size", size)
		return nil
	}

	h := keytree.Height(sessions[0].Tree().Size())

	bindBarrier := newEpochBarrier(size)
	sendBarrier := newEpochBarrier(size)
	closeBarrier := newEpochBarrier(size)

	g, _ := errgroup.WithContext(context.Background())
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return c.runInitialMember(s, h, bindBarrier, sendBarrier, closeBarrier)
		})
	}
	return g.Wait()
}

func (c *Coordinator) runInitialMember(s *member.Session, height int, bindBarrier, sendBarrier, closeBarrier *epochBarrier) error {
	tree := s.Tree()
	engine := s.Engine()
	messenger := s.Messenger()
	me := s.MyNode()
	alias := memberAlias(s.MID())

	keyPadded, coPadded := padPaths(me, height)

	for level := 0; level < height; level++ {
		myKeyNode := keyPadded[level]
		myCoNode := coPadded[level]

		if _, err := messenger.Bind(alias); err != nil {
			return fmt.Errorf("group: member %d bind level %d: %w", s.MID(), level, err)
		}
		// Every member binds before anyone subscribes: Connect fails for
		// an alias that is not bound yet.
		bindBarrier.Wait()

		var received *big.Int
		if myCoNode != nil {
			ownerMID, ok := tree.SubtreeOwnerMID(myCoNode.L, myCoNode.V)
			if !ok {
				return fmt.Errorf("group: member %d: no owner for co-path node %s", s.MID(), myCoNode.Name())
			}
			wantName := myCoNode.Name()
			if err := messenger.Connect(tgdhnet.Address(memberAlias(ownerMID)), func(p tgdhnet.Payload) {
				ann, ok := p.(tgdhnet.BlindKeyAnnouncement)
				if ok && ann.Name == wantName {
					received = ann.Blind
				}
			}); err != nil {
				return fmt.Errorf("group: member %d connect level %d: %w", s.MID(), level, err)
			}
		}

		// Second rendezvous on the same cyclic barrier: every
		// subscription is in place before anyone publishes.
		bindBarrier.Wait()

		if myKeyNode != nil && myKeyNode.Blind != nil {
			if err := messenger.Send(alias, tgdhnet.BlindKeyAnnouncement{Name: myKeyNode.Name(), Blind: myKeyNode.Blind}); err != nil {
				return fmt.Errorf("group: member %d send level %d: %w", s.MID(), level, err)
			}
		}

		sendBarrier.Wait()

		if myCoNode != nil {
			if received == nil {
				return fmt.Errorf("group: member %d: no blind received for %s at level %d", s.MID(), myCoNode.Name(), level)
			}
			myCoNode.Blind = received
			next := keyPadded[level+1]
			newPriv, err := engine.Combine(keyPadded[level].Priv, received)
			if err != nil {
				return err
			}
			next.Priv = newPriv
			if next.Parent != nil {
				if err := engine.GenBlind(next); err != nil {
					return err
				}
			}
		}

		messenger.CloseAll()
		closeBarrier.Wait()
	}

	return nil
}

// RunJoin runs a join round (spec.md §4.2/§4.5): every existing member
// applies the same deterministic structural mutation locally, the
// sponsor re-derives its refresh path and broadcasts the new blind
// keys, newcomer adopts a scrubbed structural snapshot from the
// sponsor and generates its own leaf key, and every other member
// recomputes its own path once its update path has arrived.
func (c *Coordinator) RunJoin(existing []*member.Session, newcomer *member.Session) (newMID int, err error) {
	if len(existing) == 0 {
		return 0, fmt.Errorf("group: cannot join an empty group")
	}

	for _, s := range existing {
		mid, err := s.ApplyJoin()
		if err != nil {
			return 0, err
		}
		newMID = mid
	}

	sponsorMID := *existing[0].Tree().Sponsor.MID
	var sponsor *member.Session
	for _, s := range existing {
		if s.MID() == sponsorMID {
			sponsor = s
			break
		}
	}
	if sponsor == nil {
		return 0, fmt.Errorf("group: sponsor member %d not found among existing sessions", sponsorMID)
	}

	snapshot := sponsor.Tree().Clone()
	snapshot.ScrubPrivate()
	newcomer.AdoptSnapshot(snapshot, newMID)
	if err := newcomer.GenerateLeafKeys(); err != nil {
		return 0, err
	}
	// The newcomer's own co-path lies entirely outside its refresh
	// path (its ancestors' siblings can never be its own ancestors),
	// so every blind it needs is already present in the snapshot: no
	// round-trip is required before it can derive its own root key.
	if err := newcomer.DerivePath(); err != nil {
		return 0, err
	}

	// Every existing session owns a structurally separate (but
	// isomorphic) Tree; the sponsor must broadcast from its own
	// RefreshPath, since that is the only copy its own DerivePath call
	// below will actually mutate.
	refreshPath := sponsor.Tree().RefreshPath
	var others []*member.Session
	for _, s := range existing {
		if s.MID() != sponsorMID {
			others = append(others, s)
		}
	}

	// newcomer, sponsor, and every other existing member step through
	// the same four-phase round in lockstep: bind, connect, publish
	// the new leaf blind, publish the sponsor's refreshed blinds.
	nParties := 2 + len(others)
	bindB := newEpochBarrier(nParties)
	connectB := newEpochBarrier(nParties)
	leafB := newEpochBarrier(nParties)
	refreshB := newEpochBarrier(nParties)

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error { return c.newcomerPublish(newcomer, bindB, connectB, leafB, refreshB) })
	g.Go(func() error {
		return c.sponsorJoinRefresh(sponsor, newMID, refreshPath, bindB, connectB, leafB, refreshB)
	})
	for _, o := range others {
		o := o
		g.Go(func() error { return c.otherJoinUpdate(o, sponsorMID, bindB, connectB, leafB, refreshB) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for _, s := range append(append([]*member.Session{}, existing...), newcomer) {
		s.FinishRefresh()
	}
	return newMID, nil
}

// newcomerPublish binds the newcomer's own alias and announces its
// fresh leaf blind, the only thing the sponsor cannot derive locally.
func (c *Coordinator) newcomerPublish(s *member.Session, bindB, connectB, leafB, refreshB *epochBarrier) error {
	alias := memberAlias(s.MID())
	if _, err := s.Messenger().Bind(alias); err != nil {
		return err
	}
	bindB.Wait()
	connectB.Wait() // nothing to connect to

	me := s.MyNode()
	if err := s.Messenger().Send(alias, tgdhnet.BlindKeyAnnouncement{Name: me.Name(), Blind: me.Blind}); err != nil {
		return err
	}
	leafB.Wait()
	refreshB.Wait() // nothing further to publish

	s.Messenger().CloseAll()
	return nil
}

// sponsorJoinRefresh receives the newcomer's leaf blind, re-derives
// its own key-path up to the Root, and broadcasts the refreshed
// ancestor blinds for the rest of the group to pick up.
func (c *Coordinator) sponsorJoinRefresh(s *member.Session, newcomerMID int, refreshPath []*keynode.Node, bindB, connectB, leafB, refreshB *epochBarrier) error {
	alias := memberAlias(s.MID())
	if _, err := s.Messenger().Bind(alias); err != nil {
		return err
	}
	bindB.Wait()

	var leafBlind *big.Int
	if err := s.Messenger().Connect(tgdhnet.Address(memberAlias(newcomerMID)), func(p tgdhnet.Payload) {
		if ann, ok := p.(tgdhnet.BlindKeyAnnouncement); ok {
			leafBlind = ann.Blind
		}
	}); err != nil {
		return err
	}
	connectB.Wait()
	leafB.Wait() // the newcomer's Send completes somewhere in this window

	if leafBlind == nil {
		return fmt.Errorf("group: sponsor %d: newcomer leaf blind not delivered", s.MID())
	}
	newLeaf := s.Tree().FindByMID(newcomerMID)
	if newLeaf == nil {
		return fmt.Errorf("group: sponsor %d: new member %d not found in local tree", s.MID(), newcomerMID)
	}
	newLeaf.Blind = leafBlind

	if err := s.DerivePath(); err != nil {
		return err
	}
	// refreshPath[0] is the newcomer's own leaf, published by the
	// newcomer itself; the Root's blind is never published onward.
	for _, n := range refreshPath[1:] {
		if n.Parent == nil {
			continue
		}
		if err := s.Messenger().Send(alias, tgdhnet.BlindKeyAnnouncement{Name: n.Name(), Blind: n.Blind}); err != nil {
			return err
		}
	}
	refreshB.Wait()

	s.Messenger().CloseAll()
	return nil
}

// otherJoinUpdate awaits exactly the blind keys on this member's
// update path (spec.md §4.4) and recomputes its own key-path once,
// after every expected value has arrived.
func (c *Coordinator) otherJoinUpdate(s *member.Session, sponsorMID int, bindB, connectB, leafB, refreshB *epochBarrier) error {
	bindB.Wait() // nothing to bind

	me := s.MyNode()
	update := s.Tree().UpdatePath(me)
	want := make(map[string]bool, len(update))
	for _, n := range update {
		want[n.Name()] = true
	}
	received := 0
	if len(update) > 0 {
		if err := s.Messenger().Connect(tgdhnet.Address(memberAlias(sponsorMID)), func(p tgdhnet.Payload) {
			ann, ok := p.(tgdhnet.BlindKeyAnnouncement)
			if !ok || !want[ann.Name] {
				return
			}
			l, v, err := tgdhnet.ParsePosition(ann.Name)
			if err != nil {
				return
			}
			if n := s.Tree().FindByPos(l, v); n != nil {
				n.Blind = ann.Blind
				received++
			}
		}); err != nil {
			return err
		}
	}
	connectB.Wait()
	leafB.Wait()    // the newcomer's leaf announcement, irrelevant here
	refreshB.Wait() // the sponsor's refresh announcements land in this window

	if len(update) == 0 {
		return nil
	}
	if received != len(update) {
		return fmt.Errorf("group: member %d: expected %d update-path blinds, received %d", s.MID(), len(update), received)
	}
	return s.DerivePath()
}

// RunLeave runs a leave round (spec.md §4.3/§4.5): the departing
// member's session is closed, every remaining member applies the
// same deterministic structural mutation locally, the sponsor
// re-derives and broadcasts its refresh path, and every other member
// recomputes its own path. If the group would be left with a single
// member, tgdherr.ErrGroupEmpty is returned and every session is
// closed without further mutation.
func (c *Coordinator) RunLeave(sessions []*member.Session, leavingMID int) ([]*member.Session, error) {
	var remaining []*member.Session
	var departing *member.Session
	for _, s := range sessions {
		if s.MID() == leavingMID {
			departing = s
			continue
		}
		remaining = append(remaining, s)
	}
	if departing == nil {
		return sessions, fmt.Errorf("%w: %d", tgdherr.ErrInvalidMember, leavingMID)
	}
	departing.Close()

	for _, s := range remaining {
		if err := s.ApplyLeave(leavingMID); err != nil {
			if err == tgdherr.ErrGroupEmpty {
				for _, r := range remaining {
					r.Close()
				}
				return remaining, tgdherr.ErrGroupEmpty
			}
			return remaining, err
		}
	}

	if len(remaining) < 2 {
		return remaining, nil
	}

	sponsorMID := *remaining[0].Tree().Sponsor.MID
	var sponsor *member.Session
	for _, s := range remaining {
		if s.MID() == sponsorMID {
			sponsor = s
			break
		}
	}
	if sponsor == nil {
		return remaining, fmt.Errorf("group: sponsor member %d not found among remaining sessions", sponsorMID)
	}

	refreshPath := sponsor.Tree().RefreshPath
	var others []*member.Session
	for _, s := range remaining {
		if s.MID() != sponsorMID {
			others = append(others, s)
		}
	}

	nParties := 1 + len(others)
	bindB := newEpochBarrier(nParties)
	connectB := newEpochBarrier(nParties)
	refreshB := newEpochBarrier(nParties)

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error { return c.sponsorLeaveRefresh(sponsor, refreshPath, bindB, connectB, refreshB) })
	for _, o := range others {
		o := o
		g.Go(func() error { return c.otherLeaveUpdate(o, sponsorMID, bindB, connectB, refreshB) })
	}
	if err := g.Wait(); err != nil {
		return remaining, err
	}

	for _, s := range remaining {
		s.FinishRefresh()
	}
	return remaining, nil
}

// sponsorLeaveRefresh draws a fresh leaf key (the one entropy
// injection a leave round requires, so the departed member can no
// longer predict the new group key), re-derives the sponsor's own
// key-path, and broadcasts the refreshed blinds.
func (c *Coordinator) sponsorLeaveRefresh(s *member.Session, refreshPath []*keynode.Node, bindB, connectB, refreshB *epochBarrier) error {
	alias := memberAlias(s.MID())
	if _, err := s.Messenger().Bind(alias); err != nil {
		return err
	}
	bindB.Wait()
	connectB.Wait() // the other members connect to this alias in this window

	if err := s.GenerateLeafKeys(); err != nil {
		return err
	}
	if err := s.DerivePath(); err != nil {
		return err
	}
	for _, n := range refreshPath {
		if n.Parent == nil {
			continue // the Root's blind is never published onward
		}
		if err := s.Messenger().Send(alias, tgdhnet.BlindKeyAnnouncement{Name: n.Name(), Blind: n.Blind}); err != nil {
			return err
		}
	}
	refreshB.Wait()

	s.Messenger().CloseAll()
	return nil
}

// otherLeaveUpdate awaits exactly the blind keys on this member's
// update path and recomputes its own key-path once they have all
// arrived.
func (c *Coordinator) otherLeaveUpdate(s *member.Session, sponsorMID int, bindB, connectB, refreshB *epochBarrier) error {
	bindB.Wait() // nothing to bind

	me := s.MyNode()
	update := s.Tree().UpdatePath(me)
	want := make(map[string]bool, len(update))
	for _, n := range update {
		want[n.Name()] = true
	}
	received := 0
	if len(update) > 0 {
		if err := s.Messenger().Connect(tgdhnet.Address(memberAlias(sponsorMID)), func(p tgdhnet.Payload) {
			ann, ok := p.(tgdhnet.BlindKeyAnnouncement)
			if !ok || !want[ann.Name] {
				return
			}
			l, v, err := tgdhnet.ParsePosition(ann.Name)
			if err != nil {
				return
			}
			if n := s.Tree().FindByPos(l, v); n != nil {
				n.Blind = ann.Blind
				received++
			}
		}); err != nil {
			return err
		}
	}
	connectB.Wait()
	refreshB.Wait() // the sponsor's broadcast lands in this window

	if len(update) == 0 {
		return nil
	}
	if received != len(update) {
		return fmt.Errorf("group: member %d: expected %d update-path blinds, received %d", s.MID(), len(update), received)
	}
	return s.DerivePath()
}
