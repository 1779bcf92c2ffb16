package keynode

import "testing"

func TestNewChildPositions(t *testing.T) {
	root := NewRoot()
	left := NewChild(root, true)
	right := NewChild(root, false)

	if left.L != 1 || left.V != 0 {
		t.Fatalf("left child position = (%d,%d), want (1,0)", left.L, left.V)
	}
	if right.L != 1 || right.V != 1 {
		t.Fatalf("right child position = (%d,%d), want (1,1)", right.L, right.V)
	}
	if left.Name() != "<1,0>" || right.Name() != "<1,1>" {
		t.Fatalf("unexpected names %q, %q", left.Name(), right.Name())
	}
}

func TestSibling(t *testing.T) {
	root := NewRoot()
	left := NewChild(root, true)
	right := NewChild(root, false)

	if left.Sibling() != right {
		t.Fatalf("left.Sibling() != right")
	}
	if right.Sibling() != left {
		t.Fatalf("right.Sibling() != left")
	}
	if root.Sibling() != nil {
		t.Fatalf("root.Sibling() = %v, want nil", root.Sibling())
	}
}

func TestPathAndCoPath(t *testing.T) {
	root := NewRoot()
	l := NewChild(root, true)
	r := NewChild(root, false)
	ll := NewChild(l, true)
	lr := NewChild(l, false)

	path := ll.PathToRoot()
	if len(path) != 3 || path[0] != ll || path[1] != l || path[2] != root {
		t.Fatalf("unexpected key-path: %+v", path)
	}

	co := ll.CoPath()
	if len(co) != 2 || co[0] != lr || co[1] != r {
		t.Fatalf("unexpected co-path: %+v", co)
	}
}

func TestAssumeIdentityOf(t *testing.T) {
	root := NewRoot()
	parent := NewChild(root, true)
	sibling := NewChild(root, false)
	gc1 := NewChild(sibling, true)
	gc2 := NewChild(sibling, false)
	mid := 7
	sibling.MID = &mid

	parent.AssumeIdentityOf(sibling)

	if parent.MID == nil || *parent.MID != 7 {
		t.Fatalf("parent did not inherit member ID")
	}
	if parent.LChild != gc1 || parent.RChild != gc2 {
		t.Fatalf("parent did not inherit children")
	}
	if gc1.Parent != parent || gc2.Parent != parent {
		t.Fatalf("children not reparented")
	}
	if sibling.Parent != nil || sibling.LChild != nil || sibling.RChild != nil {
		t.Fatalf("old node not detached: %+v", sibling)
	}
}

func TestRightmostLeaf(t *testing.T) {
	root := NewRoot()
	l := NewChild(root, true)
	r := NewChild(root, false)
	NewChild(l, true)
	NewChild(l, false)

	if root.RightmostLeaf() != r {
		t.Fatalf("RightmostLeaf() = %v, want %v", root.RightmostLeaf(), r)
	}
}

func TestRoleString(t *testing.T) {
	cases := map[Role]string{
		RoleRoot:     "root",
		RoleInternal: "inter",
		RoleMember:   "mem",
		RoleSponsor:  "spon",
	}
	for role, want := range cases {
		if got := role.String(); got != want {
			t.Errorf("Role(%d).String() = %q, want %q", role, got, want)
		}
	}
}
