package keyengine

import (
	"crypto/rand"
	"fmt"
	"math/big"

	logging "github.com/ipfs/go-log/v2"

	"github.com/keep-network/tgdh/pkg/tgdh/keynode"
	"github.com/keep-network/tgdh/pkg/tgdh/tgdherr"
)

var logger = logging.Logger("tgdh-keyengine")

// ErrBadKeyMaterial is returned whenever a blind value is outside the
// valid range (0, p) — spec.md §7.
var ErrBadKeyMaterial = tgdherr.ErrBadKeyMaterial

// Engine is the algebraic layer of TGDH, parameterised by a modular
// group. It generates private keys, computes blind keys, and folds a
// key-path/co-path pair into the root key.
type Engine struct {
	params *Params
}

// New returns an Engine bound to params. params must outlive the
// Engine; it is never copied by value after construction.
func New(params *Params) *Engine {
	return &Engine{params: params}
}

// Params returns the group parameters this engine was constructed with.
func (e *Engine) Params() *Params {
	return e.params
}

// GenPrivate draws a private scalar uniformly from [1, p-1] and sets
// it on node.
func (e *Engine) GenPrivate(node *keynode.Node) error {
	x, err := randRange(e.params.P)
	if err != nil {
		return fmt.Errorf("tgdh: generating private key: %w", err)
	}
	node.Priv = x
	return nil
}

// GenBlind computes node.Blind = g^node.Priv mod p. node.Priv must
// already be set.
func (e *Engine) GenBlind(node *keynode.Node) error {
	if node.Priv == nil {
		return fmt.Errorf("tgdh: cannot compute blind key for %s: private key unknown", node.Name())
	}
	node.Blind = new(big.Int).Exp(e.params.G, node.Priv, e.params.P)
	return nil
}

// Combine folds a peer's blind value with our own private scalar:
// peerBlind^myPriv mod p. Both children of a node derive the same
// result because the operation is symmetric in the underlying
// Diffie-Hellman exponents.
func (e *Engine) Combine(myPriv, peerBlind *big.Int) (*big.Int, error) {
	if err := e.validateBlind(peerBlind); err != nil {
		return nil, err
	}
	return new(big.Int).Exp(peerBlind, myPriv, e.params.P), nil
}

func (e *Engine) validateBlind(blind *big.Int) error {
	if blind == nil || blind.Sign() <= 0 || blind.Cmp(e.params.P) >= 0 {
		return ErrBadKeyMaterial
	}
	return nil
}

// DerivePath walks the key-path from myNode to the Root, combining
// each step's private scalar with the corresponding co-path blind
// value. Precondition: myNode.Priv is set and every co-path blind
// value is known. Postcondition on success: the Root's Priv is the
// group key.
//
// New private/blind values are staged and committed atomically: if
// any step fails with ErrBadKeyMaterial, the tree is left completely
// untouched (spec.md §7).
func (e *Engine) DerivePath(myNode *keynode.Node) error {
	keyPath := myNode.PathToRoot()
	coPath := myNode.CoPath()
	if len(coPath) != len(keyPath)-1 {
		return fmt.Errorf("tgdh: key-path/co-path length mismatch (%d vs %d)", len(keyPath), len(coPath))
	}

	type staged struct {
		node  *keynode.Node
		priv  *big.Int
		blind *big.Int // nil when node is the Root
	}
	plan := make([]staged, 0, len(coPath))

	priv := keyPath[0].Priv
	if priv == nil {
		return fmt.Errorf("tgdh: cannot derive path: my own private key is unknown")
	}

	for i, sibling := range coPath {
		if sibling == nil || sibling.Blind == nil {
			return fmt.Errorf("tgdh: cannot derive path: co-path node at step %d has no blind key", i)
		}
		next := keyPath[i+1]
		newPriv, err := e.Combine(priv, sibling.Blind)
		if err != nil {
			return err
		}
		step := staged{node: next, priv: newPriv}
		if next.Parent != nil { // not the Root
			step.blind = new(big.Int).Exp(e.params.G, newPriv, e.params.P)
		}
		plan = append(plan, step)
		priv = newPriv
	}

	for _, step := range plan {
		step.node.Priv = step.priv
		if step.blind != nil {
			step.node.Blind = step.blind
		}
	}
	logger.Debugw("derived key-path", "leaf", myNode.Name(), "steps", len(plan))
	return nil
}

func randRange(p *big.Int) (*big.Int, error) {
	// Draw uniformly from [1, p-1]: sample [0, p-2] and add 1.
	upper := new(big.Int).Sub(p, big.NewInt(2))
	if upper.Sign() < 0 {
		return nil, fmt.Errorf("modulus too small")
	}
	n, err := rand.Int(rand.Reader, new(big.Int).Add(upper, big.NewInt(1)))
	if err != nil {
		return nil, err
	}
	return n.Add(n, big.NewInt(1)), nil
}
