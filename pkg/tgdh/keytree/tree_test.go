package keytree

import (
	"math/big"
	"testing"

	"github.com/keep-network/tgdh/pkg/tgdh/keyengine"
	"github.com/keep-network/tgdh/pkg/tgdh/keynode"
	"github.com/keep-network/tgdh/pkg/tgdh/tgdherr"
)

func memberIDs(t *testing.T, tr *Tree) []int {
	t.Helper()
	var ids []int
	for _, leaf := range tr.Leaves() {
		if leaf.MID == nil {
			t.Fatalf("leaf %s has no member ID", leaf.Name())
		}
		ids = append(ids, *leaf.MID)
	}
	return ids
}

func TestBuildTwoMembers(t *testing.T) {
	tr, err := Build(2)
	if err != nil {
		t.Fatalf("Build(2): %v", err)
	}
	if tr.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", tr.Size())
	}
	if !tr.Root().LChild.IsLeaf() || !tr.Root().RChild.IsLeaf() {
		t.Fatalf("both root children must be leaves for a 2-member group")
	}
	ids := memberIDs(t, tr)
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("unexpected member IDs: %v", ids)
	}
}

func TestBuildAssignsUniqueIDsInRange(t *testing.T) {
	for size := 2; size <= 9; size++ {
		tr, err := Build(size)
		if err != nil {
			t.Fatalf("Build(%d): %v", size, err)
		}
		ids := memberIDs(t, tr)
		if len(ids) != size {
			t.Fatalf("size %d: got %d leaves, want %d", size, len(ids), size)
		}
		seen := make(map[int]bool, size)
		for _, id := range ids {
			if id < 1 || id > size {
				t.Fatalf("size %d: member ID %d out of range", size, id)
			}
			if seen[id] {
				t.Fatalf("size %d: duplicate member ID %d", size, id)
			}
			seen[id] = true
		}
	}
}

func TestBuildThreeMemberSiblingShape(t *testing.T) {
	tr, err := Build(3)
	if err != nil {
		t.Fatalf("Build(3): %v", err)
	}
	// Exactly one of the Root's two children must be a lone Member leaf
	// and the other an internal node holding the remaining two members;
	// growShape's rightmost-first subdivision always subdivides <1,1>,
	// not <1,0>, but only the shape is pinned (spec.md §8), not which
	// side was grown.
	leafChildren, internalChildren := 0, 0
	for _, c := range []*keynode.Node{tr.Root().LChild, tr.Root().RChild} {
		if c.IsLeaf() {
			leafChildren++
		} else {
			internalChildren++
		}
	}
	if leafChildren != 1 || internalChildren != 1 {
		t.Fatalf("root children shape = %d leaf/%d internal, want 1/1", leafChildren, internalChildren)
	}
}

func TestRefreshNamesIdempotent(t *testing.T) {
	tr, err := Build(4)
	if err != nil {
		t.Fatalf("Build(4): %v", err)
	}
	tr.RefreshNames()
	first := render(tr)
	tr.RefreshNames()
	second := render(tr)
	if first != second {
		t.Fatalf("RefreshNames not idempotent:\n%s\nvs\n%s", first, second)
	}
}

func render(tr *Tree) string {
	var b []byte
	var walk func(n *keynode.Node)
	walk = func(n *keynode.Node) {
		if n == nil {
			return
		}
		b = append(b, n.Name()...)
		b = append(b, ' ')
		walk(n.LChild)
		walk(n.RChild)
	}
	walk(tr.root)
	return string(b)
}

func TestJoinAttachesNewMemberAndPreservesSponsorKeys(t *testing.T) {
	tr, err := Build(2)
	if err != nil {
		t.Fatalf("Build(2): %v", err)
	}
	e := keyengine.New(keyengine.DemoParams())
	for _, leaf := range tr.Leaves() {
		if err := e.GenPrivate(leaf); err != nil {
			t.Fatalf("GenPrivate: %v", err)
		}
		if err := e.GenBlind(leaf); err != nil {
			t.Fatalf("GenBlind: %v", err)
		}
	}
	oldLeaf := tr.InsertionPoint()
	oldPriv := new(big.Int).Set(oldLeaf.Priv)
	oldMID := *oldLeaf.MID

	newMID, err := tr.Join()
	if err != nil {
		t.Fatalf("Join(): %v", err)
	}
	if newMID != tr.NextMID()-1 {
		t.Fatalf("Join() returned %d, NextMID now %d", newMID, tr.NextMID())
	}
	if tr.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", tr.Size())
	}
	if tr.Sponsor == nil || tr.Sponsor.MID == nil || *tr.Sponsor.MID != oldMID {
		t.Fatalf("sponsor should be the displaced member %d", oldMID)
	}
	if tr.Sponsor.Priv.Cmp(oldPriv) != 0 {
		t.Fatalf("sponsor's private key changed across Join: %s vs %s", tr.Sponsor.Priv, oldPriv)
	}
	newLeaf := tr.FindByMID(newMID)
	if newLeaf == nil || newLeaf.Role != keynode.RoleMember {
		t.Fatalf("new member %d not attached as a Member leaf", newMID)
	}
}

func TestJoinFromTwoToThreeNextMIDIsFour(t *testing.T) {
	tr, err := Build(2)
	if err != nil {
		t.Fatalf("Build(2): %v", err)
	}
	if _, err := tr.Join(); err != nil {
		t.Fatalf("Join(): %v", err)
	}
	if tr.NextMID() != 4 {
		t.Fatalf("NextMID() = %d, want 4", tr.NextMID())
	}
}

func TestLeaveSiblingCollapsesUpward(t *testing.T) {
	tr, err := Build(4)
	if err != nil {
		t.Fatalf("Build(4): %v", err)
	}
	sizeBefore := tr.Size()

	var leavingMID int
	for _, leaf := range tr.Leaves() {
		if leaf.Parent.Parent != nil {
			leavingMID = *leaf.MID
			break
		}
	}
	if leavingMID == 0 {
		t.Fatal("could not find a non-root-adjacent member to remove")
	}

	if err := tr.Leave(leavingMID); err != nil {
		t.Fatalf("Leave(%d): %v", leavingMID, err)
	}
	if tr.Size() != sizeBefore-1 {
		t.Fatalf("Size() = %d, want %d", tr.Size(), sizeBefore-1)
	}
	if tr.FindByMID(leavingMID) != nil {
		t.Fatalf("departed member %d still present", leavingMID)
	}
}

func TestLeaveTwoMembersSignalsGroupEmpty(t *testing.T) {
	tr, err := Build(2)
	if err != nil {
		t.Fatalf("Build(2): %v", err)
	}
	leavingMID := *tr.Leaves()[1].MID

	err = tr.Leave(leavingMID)
	if err != tgdherr.ErrGroupEmpty {
		t.Fatalf("Leave() error = %v, want ErrGroupEmpty", err)
	}
	if tr.Size() != 2 {
		t.Fatalf("Size() = %d, want unchanged 2 after a rejected Leave", tr.Size())
	}
}

func TestLeavePromotesSiblingSubtreeToRoot(t *testing.T) {
	// In a 3-member tree the root's shallow child is a lone Member
	// leaf; removing it must promote the other (2-leaf) subtree to be
	// the new Root directly, without discarding its own children.
	tr, err := Build(3)
	if err != nil {
		t.Fatalf("Build(3): %v", err)
	}
	lone := tr.Root().LChild
	if !lone.IsLeaf() {
		t.Fatalf("expected root's left child to be a lone Member leaf, shape has changed")
	}
	promoted := tr.Root().RChild
	loneMID := *lone.MID

	if err := tr.Leave(loneMID); err != nil {
		t.Fatalf("Leave(%d): %v", loneMID, err)
	}
	if tr.Root() != promoted {
		t.Fatalf("Root() = %v, want the surviving subtree promoted in place", tr.Root())
	}
	if tr.Root().Role != keynode.RoleRoot {
		t.Fatalf("promoted node role = %v, want RoleRoot", tr.Root().Role)
	}
	if tr.Root().IsLeaf() {
		t.Fatalf("promoted root should keep its own two Member children")
	}
	if tr.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", tr.Size())
	}
}

func TestLeaveThenGroupEmptyOnFinalPair(t *testing.T) {
	tr, err := Build(3)
	if err != nil {
		t.Fatalf("Build(3): %v", err)
	}
	ids := memberIDs(t, tr)
	if err := tr.Leave(ids[0]); err != nil {
		t.Fatalf("first Leave: %v", err)
	}
	if tr.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", tr.Size())
	}
	remaining := memberIDs(t, tr)
	if err := tr.Leave(remaining[0]); err != tgdherr.ErrGroupEmpty {
		t.Fatalf("second Leave error = %v, want ErrGroupEmpty", err)
	}
}

func TestUpdatePathIsSubsetOfCoPath(t *testing.T) {
	tr, err := Build(4)
	if err != nil {
		t.Fatalf("Build(4): %v", err)
	}
	ids := memberIDs(t, tr)
	if err := tr.Leave(ids[0]); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	for _, leaf := range tr.Leaves() {
		update := tr.UpdatePath(leaf)
		co := leaf.CoPath()
		coSet := make(map[*keynode.Node]bool, len(co))
		for _, n := range co {
			coSet[n] = true
		}
		for _, n := range update {
			if !coSet[n] {
				t.Fatalf("member %v update path contains a node outside its co-path", leaf.MID)
			}
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tr, err := Build(3)
	if err != nil {
		t.Fatalf("Build(3): %v", err)
	}
	e := keyengine.New(keyengine.DemoParams())
	for _, leaf := range tr.Leaves() {
		if err := e.GenPrivate(leaf); err != nil {
			t.Fatalf("GenPrivate: %v", err)
		}
	}
	clone := tr.Clone()
	clone.Leaves()[0].Priv = big.NewInt(999)
	if tr.Leaves()[0].Priv.Cmp(big.NewInt(999)) == 0 {
		t.Fatal("mutating the clone affected the original tree")
	}
}

func TestScrubPrivateClearsAllPrivateScalars(t *testing.T) {
	tr, err := Build(3)
	if err != nil {
		t.Fatalf("Build(3): %v", err)
	}
	e := keyengine.New(keyengine.DemoParams())
	for _, leaf := range tr.Leaves() {
		if err := e.GenPrivate(leaf); err != nil {
			t.Fatalf("GenPrivate: %v", err)
		}
		if err := e.GenBlind(leaf); err != nil {
			t.Fatalf("GenBlind: %v", err)
		}
	}
	tr.ScrubPrivate()
	for _, leaf := range tr.Leaves() {
		if leaf.Priv != nil {
			t.Fatalf("leaf %s still has a private scalar after ScrubPrivate", leaf.Name())
		}
		if leaf.Blind == nil {
			t.Fatalf("leaf %s lost its blind key, ScrubPrivate should only clear Priv", leaf.Name())
		}
	}
}
