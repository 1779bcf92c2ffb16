// Package keynode implements KeyNode, the single vertex type of a TGDH
// key tree: pure data plus local navigation (sibling, key-path,
// co-path). Node mutation beyond structure/role bookkeeping is the
// responsibility of keyengine (key material) and keytree (structure).
package keynode

import (
	"fmt"
	"math/big"
)

// Role is the closed set of roles a Node can carry. TGDH roles form a
// small closed tag set, not a class hierarchy (spec.md §9).
type Role int

const (
	RoleRoot Role = iota
	RoleInternal
	RoleMember
	RoleSponsor
)

func (r Role) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RoleInternal:
		return "inter"
	case RoleMember:
		return "mem"
	case RoleSponsor:
		return "spon"
	default:
		return "unknown"
	}
}

// Node is one vertex of a key tree. The Root has no Parent; every
// other node has exactly one. A non-leaf always owns exactly two
// children, LChild and RChild, at (L+1, 2V) and (L+1, 2V+1).
type Node struct {
	L, V   int
	Role   Role
	MID    *int
	Priv   *big.Int
	Blind  *big.Int
	Parent *Node
	LChild *Node
	RChild *Node
}

// NewRoot returns a fresh, detached root node (0,0) with no key
// material. keytree.Build grows a new tree from it; Leave promotes an
// existing node with MakeRoot instead.
func NewRoot() *Node {
	return &Node{L: 0, V: 0, Role: RoleRoot}
}

// NewChild constructs a fresh child of parent at the given side and
// links it in. Role defaults to RoleInternal; callers assign Member
// or Sponsor as appropriate.
func NewChild(parent *Node, left bool) *Node {
	n := &Node{Parent: parent, Role: RoleInternal}
	if left {
		n.L, n.V = parent.L+1, 2*parent.V
		parent.LChild = n
	} else {
		n.L, n.V = parent.L+1, 2*parent.V+1
		parent.RChild = n
	}
	return n
}

// IsLeaf reports whether n currently has no children.
func (n *Node) IsLeaf() bool {
	return n.LChild == nil && n.RChild == nil
}

// Name is the derived "<l,v>" position identifier.
func (n *Node) Name() string {
	return fmt.Sprintf("<%d,%d>", n.L, n.V)
}

// Sibling returns n's sibling, or nil if n is the Root.
func (n *Node) Sibling() *Node {
	if n.Parent == nil {
		return nil
	}
	if n.Parent.LChild == n {
		return n.Parent.RChild
	}
	return n.Parent.LChild
}

// PathToRoot returns the key-path: the list from n up to and
// including the Root, in that order.
func (n *Node) PathToRoot() []*Node {
	path := []*Node{n}
	for cur := n; cur.Parent != nil; cur = cur.Parent {
		path = append(path, cur.Parent)
	}
	return path
}

// CoPath returns, for each node on the key-path except the Root, that
// node's sibling, in the same order. These are exactly the nodes
// whose blind keys suffice to derive every key-path value.
func (n *Node) CoPath() []*Node {
	path := n.PathToRoot()
	co := make([]*Node, 0, len(path)-1)
	for _, node := range path {
		if node.Parent == nil {
			continue
		}
		co = append(co, node.Sibling())
	}
	return co
}

// MakeRoot promotes n: clears its parent link, resets (l,v) to (0,0),
// sets Role to Root, and wipes key material. The caller is
// responsible for re-deriving the key material afterward.
func (n *Node) MakeRoot() {
	n.Parent = nil
	n.L, n.V = 0, 0
	n.Role = RoleRoot
	n.MID = nil
	n.Priv = nil
	n.Blind = nil
}

// AssumeIdentityOf copies role, member identity, children ownership and
// key material from other into n, then detaches other (clears its
// parent/child links so it is no longer reachable from the tree).
// Used when a sibling collapses upward after a Leave.
func (n *Node) AssumeIdentityOf(other *Node) {
	n.Role = other.Role
	n.MID = other.MID
	n.LChild = other.LChild
	n.RChild = other.RChild
	if n.LChild != nil {
		n.LChild.Parent = n
	}
	if n.RChild != nil {
		n.RChild.Parent = n
	}
	n.Priv = other.Priv
	n.Blind = other.Blind

	other.Parent = nil
	other.LChild = nil
	other.RChild = nil
}

// Leaves returns, for the subtree rooted at n, every leaf in
// deterministic left-to-right order.
func (n *Node) Leaves() []*Node {
	if n.IsLeaf() {
		return []*Node{n}
	}
	var out []*Node
	if n.LChild != nil {
		out = append(out, n.LChild.Leaves()...)
	}
	if n.RChild != nil {
		out = append(out, n.RChild.Leaves()...)
	}
	return out
}

// RightmostLeaf returns the rightmost leaf of the subtree rooted at n
// (the last element of a pre-order left-to-right leaf walk).
func (n *Node) RightmostLeaf() *Node {
	cur := n
	for !cur.IsLeaf() {
		if cur.RChild != nil {
			cur = cur.RChild
		} else {
			cur = cur.LChild
		}
	}
	return cur
}
