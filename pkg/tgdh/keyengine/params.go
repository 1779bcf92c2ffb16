// Package keyengine implements the algebraic layer of TGDH: modular
// group parameters and the private/blind key derivation that folds a
// key-path/co-path pair into the group key at the root of a key tree.
package keyengine

import (
	"fmt"
	"math/big"
)

// Params is an immutable modular Diffie-Hellman group (g, p): g is a
// generator modulo the prime p. All key arithmetic happens in Z/pZ.
//
// Params is safe to share across every KeyTree/MemberSession in a
// group; it is process-wide configuration with initialise-once
// semantics (spec.md §9), never mutated after construction.
type Params struct {
	G *big.Int
	P *big.Int
}

// NewParams validates and returns a group (g, p). It does not verify
// that g is a generator of a prime-order subgroup of (Z/pZ)^*; callers
// supplying production parameters are responsible for that.
func NewParams(g, p *big.Int) (*Params, error) {
	if p == nil || p.Sign() <= 0 {
		return nil, fmt.Errorf("keyengine: modulus p must be positive")
	}
	if g == nil || g.Sign() <= 0 || g.Cmp(p) >= 0 {
		return nil, fmt.Errorf("keyengine: generator g must satisfy 0 < g < p")
	}
	return &Params{G: new(big.Int).Set(g), P: new(big.Int).Set(p)}, nil
}

// DemoParams returns the small demonstration parameters used throughout
// spec.md §8 (g=5, p=23). Not for production use.
func DemoParams() *Params {
	p, err := NewParams(big.NewInt(5), big.NewInt(23))
	if err != nil {
		panic(err)
	}
	return p
}
