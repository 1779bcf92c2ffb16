// Package keytree implements KeyTree: the owner of a TGDH key tree's
// node set. It enforces the structural invariants of spec.md §3,
// exposes traversal, and mutates itself on join/leave, including
// sponsor selection, insertion-point selection and structural
// rebalancing.
package keytree

import (
	"fmt"
	"io"
	"math/big"
	"math/bits"

	logging "github.com/ipfs/go-log/v2"

	"github.com/keep-network/tgdh/pkg/tgdh/keynode"
	"github.com/keep-network/tgdh/pkg/tgdh/tgdherr"
)

var logger = logging.Logger("tgdh-keytree")

// Tree owns the set of keynode.Node values forming one member's view
// of the TGDH key tree. A Tree is exclusively owned by its
// MemberSession; no two operations on the same Tree may be in flight
// (spec.md §5).
type Tree struct {
	root    *keynode.Node
	size    int
	nextMID int

	// Sponsor and RefreshPath are set by Join/Leave and read by the
	// owning MemberSession/GroupCoordinator to drive the refresh
	// round; they are transient and overwritten by the next mutation.
	Sponsor     *keynode.Node
	RefreshPath []*keynode.Node
}

// Root returns the tree's current root node.
func (t *Tree) Root() *keynode.Node {
	return t.root
}

// Size returns the number of Member leaves currently in the tree.
func (t *Tree) Size() int {
	return t.size
}

// NextMID returns the member ID that will be assigned to the next
// joining member.
func (t *Tree) NextMID() int {
	return t.nextMID
}

// Height returns floor(log2(2*size-2)), the height of the initial
// tree for Size() members (spec.md §4.5).
func Height(size int) int {
	if size < 2 {
		return 0
	}
	return bits.Len(uint(2*size-2)) - 1
}

// Build constructs an initial tree holding size members. It does not
// mark any member as the local one; the caller locates its own leaf
// with FindByMID. The shape is the unique
// near-complete binary tree produced by repeatedly subdividing the
// shallowest rightmost leaf until 2*size-1 nodes exist; member IDs are
// assigned per the member-ID layout rule of spec.md §4.2.
func Build(size int) (*Tree, error) {
	if size < 1 {
		return nil, fmt.Errorf("tgdh: group size must be at least 1")
	}

	root := keynode.NewRoot()
	t := &Tree{root: root, size: size, nextMID: size + 1}

	nodeMax := 2*size - 1
	nodeTrack := 1
	for nodeTrack != nodeMax {
		nodeTrack = growShape(root, nodeTrack, nodeMax)
	}

	for _, leaf := range t.root.Leaves() {
		leaf.Role = keynode.RoleMember
	}
	assignMemberIDs(t.root, size)

	logger.Debugw("built initial tree", "size", size, "height", Height(size))
	return t, nil
}

// growShape mirrors the source algorithm's recursive rightmost-first
// subdivision: a node's right subtree is deepened before its left, so
// that the tree always grows by splitting the currently shallowest,
// rightmost leaf.
func growShape(n *keynode.Node, nodeTrack, nodeMax int) int {
	if n.IsLeaf() {
		keynode.NewChild(n, true)
		keynode.NewChild(n, false)
		return nodeTrack + 2
	}
	nodeTrack = growShape(n.RChild, nodeTrack, nodeMax)
	if nodeTrack != nodeMax {
		nodeTrack = growShape(n.LChild, nodeTrack, nodeMax)
	}
	return nodeTrack
}

// assignMemberIDs implements the member-ID layout rule of spec.md
// §4.2: build [1,2], interleave in the level-i top-half descending run
// for each extra level, strike every value exceeding size, and assign
// the result to the leaves in left-to-right order.
func assignMemberIDs(root *keynode.Node, size int) {
	height := Height(size)
	baseList := []int{1, 2}
	for i := 0; i <= height-2; i++ {
		n := 1 << uint(i+2)
		run := make([]int, 1<<uint(i+1))
		for k := range run {
			run[k] = n - k
		}
		baseList = interleave(baseList, run)
	}

	var ids []int
	for _, v := range baseList {
		if v <= size {
			ids = append(ids, v)
		}
	}

	leaves := root.Leaves()
	for i, leaf := range leaves {
		mid := ids[i]
		leaf.MID = &mid
	}
}

func interleave(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	for i := 0; i < len(a) && i < len(b); i++ {
		out = append(out, a[i], b[i])
	}
	return out
}

// FindByMID returns the leaf carrying member ID mid, or nil.
func (t *Tree) FindByMID(mid int) *keynode.Node {
	var found *keynode.Node
	walkPreOrder(t.root, func(n *keynode.Node) {
		if n.MID != nil && *n.MID == mid {
			found = n
		}
	})
	return found
}

// FindByPos returns the node at position (l, v), or nil.
func (t *Tree) FindByPos(l, v int) *keynode.Node {
	var found *keynode.Node
	walkPreOrder(t.root, func(n *keynode.Node) {
		if n.L == l && n.V == v {
			found = n
		}
	})
	return found
}

// SubtreeOwnerMID returns the member ID of the leftmost leaf under the
// node at position (l, v): the canonical owner that publishes a
// subtree's blind key during a coordinated exchange round (spec.md
// §4.5). Reports ok=false if no node exists at that position or its
// leftmost leaf is not currently a Member.
func (t *Tree) SubtreeOwnerMID(l, v int) (mid int, ok bool) {
	n := t.FindByPos(l, v)
	if n == nil {
		return 0, false
	}
	leaves := n.Leaves()
	if len(leaves) == 0 || leaves[0].MID == nil {
		return 0, false
	}
	return *leaves[0].MID, true
}

func walkPreOrder(n *keynode.Node, visit func(*keynode.Node)) {
	if n == nil {
		return
	}
	visit(n)
	walkPreOrder(n.LChild, visit)
	walkPreOrder(n.RChild, visit)
}

// Leaves returns every leaf in deterministic left-to-right order.
func (t *Tree) Leaves() []*keynode.Node {
	return t.root.Leaves()
}

// InsertionPoint selects the rightmost node on the shallowest level
// among leaves that are currently Member leaves. Ties are broken by
// the lexicographic order of v, i.e. the rightmost such leaf.
func (t *Tree) InsertionPoint() *keynode.Node {
	leaves := t.Leaves()
	if len(leaves) == 0 {
		return nil
	}
	shallowest := leaves[0].L
	for _, leaf := range leaves {
		if leaf.L < shallowest {
			shallowest = leaf.L
		}
	}
	var pick *keynode.Node
	for _, leaf := range leaves {
		if leaf.L == shallowest && leaf.Role == keynode.RoleMember {
			pick = leaf
		}
	}
	return pick
}

// RefreshNames re-derives every node's (l,v) from its parent. Required
// after any structural mutation because (l,v) is derived, not stored
// independently of structure. Idempotent: applying it twice in a row
// after one mutation leaves every name unchanged.
func (t *Tree) RefreshNames() {
	var walk func(n *keynode.Node)
	walk = func(n *keynode.Node) {
		if n.Parent != nil {
			if n.Parent.LChild == n {
				n.L, n.V = n.Parent.L+1, 2*n.Parent.V
			} else {
				n.L, n.V = n.Parent.L+1, 2*n.Parent.V+1
			}
		} else {
			n.L, n.V = 0, 0
		}
		walk(n.LChild)
		walk(n.RChild)
	}
	walk(t.root)
}

// Join attaches a new member at the current insertion point: the
// insertion point's former occupant is transferred to a fresh left
// child (the sponsor), the new member is attached at a fresh right
// child, and the insertion point itself becomes a plain internal node.
// RefreshPath is set to the new member's key-path and Sponsor to the
// displaced occupant's new node.
func (t *Tree) Join() (newMID int, err error) {
	insertion := t.InsertionPoint()
	if insertion == nil {
		return 0, fmt.Errorf("tgdh: no insertion point found")
	}

	// Capture the insertion point's occupant before attaching new
	// children: the occupant moves down to the fresh left child, and
	// the insertion point itself becomes a plain internal node.
	oldMID, oldPriv, oldBlind := insertion.MID, insertion.Priv, insertion.Blind

	left := keynode.NewChild(insertion, true)
	right := keynode.NewChild(insertion, false)

	left.Role = keynode.RoleSponsor
	left.MID = oldMID
	left.Priv = oldPriv
	left.Blind = oldBlind

	insertion.Role = keynode.RoleInternal
	insertion.MID = nil
	insertion.Priv = nil
	insertion.Blind = nil

	newMID = t.nextMID
	right.Role = keynode.RoleMember
	right.MID = &newMID
	t.nextMID++
	t.size++

	t.RefreshNames()
	t.Sponsor = left
	t.RefreshPath = right.PathToRoot()

	logger.Debugw("join", "newMID", newMID, "sponsor", left.Name())
	return newMID, nil
}

// Leave removes the member leaf carrying mid. If its parent is the
// Root, the sibling subtree is promoted to the new Root; otherwise the
// parent collapses, assuming the sibling's identity. The sponsor is
// the rightmost leaf of the surviving subtree; RefreshPath is set to
// the sponsor's key-path. Returns tgdherr.ErrGroupEmpty, without
// mutating the tree, if removing mid would leave a single member.
func (t *Tree) Leave(mid int) error {
	leaving := t.FindByMID(mid)
	if leaving == nil || leaving.Role == keynode.RoleInternal || leaving.Role == keynode.RoleRoot {
		return fmt.Errorf("%w: %d", tgdherr.ErrInvalidMember, mid)
	}

	// If both of the Root's children are already leaves, this is a
	// two-member group: removing either one leaves a single member
	// behind. Signal GroupEmpty before mutating anything further.
	if t.root.LChild != nil && t.root.RChild != nil &&
		t.root.LChild.IsLeaf() && t.root.RChild.IsLeaf() {
		return tgdherr.ErrGroupEmpty
	}

	sibling := leaving.Sibling()
	parent := leaving.Parent

	var survivorSubtreeRoot *keynode.Node
	if parent.Parent == nil {
		// parent is the Root: promote the sibling.
		sibling.MakeRoot()
		t.root = sibling
		survivorSubtreeRoot = sibling
	} else {
		parent.AssumeIdentityOf(sibling)
		survivorSubtreeRoot = parent
	}

	sponsor := survivorSubtreeRoot.RightmostLeaf()
	sponsor.Role = keynode.RoleSponsor

	t.size--
	t.RefreshNames()
	t.Sponsor = sponsor
	t.RefreshPath = sponsor.PathToRoot()

	logger.Debugw("leave", "mid", mid, "sponsor", sponsor.Name())
	return nil
}

// UpdatePath returns myNode's update path: the intersection of its own
// co-path with the tree's current RefreshPath (spec.md §4.2/§4.4) —
// the blind keys a non-sponsor member must receive to complete its own
// derivation after a join or leave.
func (t *Tree) UpdatePath(myNode *keynode.Node) []*keynode.Node {
	inRefresh := make(map[*keynode.Node]bool, len(t.RefreshPath))
	for _, n := range t.RefreshPath {
		inRefresh[n] = true
	}
	var update []*keynode.Node
	for _, n := range myNode.CoPath() {
		if inRefresh[n] {
			update = append(update, n)
		}
	}
	return update
}

// FinishRefresh clears the transient Sponsor role back to Member now
// that a refresh round has completed (spec.md §3 lifecycle). It is a
// no-op if no node currently carries the Sponsor role.
func (t *Tree) FinishRefresh() {
	walkPreOrder(t.root, func(n *keynode.Node) {
		if n.Role == keynode.RoleSponsor {
			n.Role = keynode.RoleMember
		}
	})
	t.Sponsor = nil
	t.RefreshPath = nil
}

// Render writes a left-to-right indented text dump of the tree (node
// name, role, member ID, private key, blind key) for debugging. Not
// part of the correctness contract (spec.md §6.2).
func (t *Tree) Render(w io.Writer) error {
	var walk func(n *keynode.Node, depth int) error
	walk = func(n *keynode.Node, depth int) error {
		if n == nil {
			return nil
		}
		indent := ""
		for i := 0; i < depth; i++ {
			indent += "  "
		}
		mid := "-"
		if n.MID != nil {
			mid = fmt.Sprintf("%d", *n.MID)
		}
		priv := bigString(n.Priv)
		blind := bigString(n.Blind)
		if _, err := fmt.Fprintf(w, "%s%s role=%s mid=%s priv=%s blind=%s\n",
			indent, n.Name(), n.Role, mid, priv, blind); err != nil {
			return err
		}
		if err := walk(n.LChild, depth+1); err != nil {
			return err
		}
		return walk(n.RChild, depth+1)
	}
	return walk(t.root, 0)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "?"
	}
	return v.String()
}

// ScrubPrivate clears every node's private scalar, leaving only
// structural data, role, member ID and blind keys. Required before a
// tree snapshot crosses the wire to a newly joined member (spec.md §9):
// no member's private exponent may ever leave its own process.
func (t *Tree) ScrubPrivate() {
	walkPreOrder(t.root, func(n *keynode.Node) {
		n.Priv = nil
	})
}

// Clone returns a complete structural deep copy of the tree. Used to
// build the TreeSnapshot payload sent to a freshly joined member; the
// caller is responsible for scrubbing any key material that must not
// cross the wire (spec.md §9).
func (t *Tree) Clone() *Tree {
	var cloneNode func(n *keynode.Node, parent *keynode.Node) *keynode.Node
	cloneNode = func(n *keynode.Node, parent *keynode.Node) *keynode.Node {
		if n == nil {
			return nil
		}
		c := &keynode.Node{
			L: n.L, V: n.V, Role: n.Role, Parent: parent,
		}
		if n.MID != nil {
			mid := *n.MID
			c.MID = &mid
		}
		if n.Priv != nil {
			c.Priv = new(big.Int).Set(n.Priv)
		}
		if n.Blind != nil {
			c.Blind = new(big.Int).Set(n.Blind)
		}
		c.LChild = cloneNode(n.LChild, c)
		c.RChild = cloneNode(n.RChild, c)
		return c
	}
	root := cloneNode(t.root, nil)
	return &Tree{root: root, size: t.size, nextMID: t.nextMID}
}
