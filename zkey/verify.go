package zkey

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Verify checks that next is a valid successor of prev for the circuit
// identified by circuitHash: the same circuit and size, the same chain
// prefix plus exactly one new contribution, a valid proof of knowledge of
// the new secret, a τ update consistent with that secret and consistent
// powers.
func Verify(prev, next *Artifact, circuitHash [32]byte) error {
	if prev.CircuitHash != circuitHash || next.CircuitHash != circuitHash {
		return ErrCircuitMismatch
	}
	if len(prev.G1) != len(next.G1) {
		return fmt.Errorf("%w: size %d != %d", ErrChainMismatch, len(next.G1), len(prev.G1))
	}
	if len(next.Contributions) != len(prev.Contributions)+1 {
		return fmt.Errorf("%w: %d contributions after %d", ErrChainMismatch, len(next.Contributions), len(prev.Contributions))
	}
	for i := range prev.Contributions {
		if prev.Contributions[i] != next.Contributions[i] {
			return fmt.Errorf("%w: contribution %d rewritten", ErrChainMismatch, i)
		}
	}

	c := &next.Contributions[len(next.Contributions)-1]
	if c.Hash != chainHash(prev.LastHash(), c, &next.TauG2) {
		return fmt.Errorf("%w: contribution hash", ErrChainMismatch)
	}
	if err := verifyUpdate(c, &prev.TauG2, &next.TauG2); err != nil {
		return err
	}
	return verifyPowers(next)
}

// VerifyGenesis checks a genesis artifact for the circuit.
func VerifyGenesis(a *Artifact, circuitHash [32]byte) error {
	if a.CircuitHash != circuitHash {
		return ErrCircuitMismatch
	}
	if len(a.Contributions) != 0 {
		return fmt.Errorf("%w: genesis carries contributions", ErrChainMismatch)
	}
	want, err := Genesis(circuitHash, len(a.G1))
	if err != nil {
		return err
	}
	if !a.TauG2.Equal(&want.TauG2) {
		return ErrInvalidPowers
	}
	for i := range a.G1 {
		if !a.G1[i].Equal(&want.G1[i]) {
			return ErrInvalidPowers
		}
	}
	return nil
}

func verifyUpdate(c *Contribution, oldTau, newTau *bn254.G2Affine) error {
	pk := &c.PublicKey
	if pk.S.IsInfinity() || pk.SX.IsInfinity() || pk.SPX.IsInfinity() {
		return fmt.Errorf("%w: degenerate public key", ErrInvalidProof)
	}

	r, err := pokBase(pk)
	if err != nil {
		return err
	}
	// e(SX, R) == e(S, SPX)
	if ok, err := pairingEq(&pk.SX, &r, &pk.S, &pk.SPX); err != nil || !ok {
		return fmt.Errorf("%w: secret", ErrInvalidProof)
	}
	// e(S, τ'G2) == e(SX, τG2)
	if ok, err := pairingEq(&pk.S, newTau, &pk.SX, oldTau); err != nil || !ok {
		return fmt.Errorf("%w: tau update", ErrInvalidProof)
	}

	if c.Kind == KindBeacon {
		x, _ := beaconScalars(c.Beacon)
		var want bn254.G2Affine
		want.ScalarMultiplication(oldTau, x.BigInt(new(big.Int)))
		if !want.Equal(newTau) {
			return ErrInvalidBeacon
		}
		if c.BeaconExp == 0 || c.BeaconExp > MaxBeaconExp {
			return ErrInvalidBeacon
		}
	}
	return nil
}

// verifyPowers checks G1[0] is the generator, G1[1] matches [τ]G2, and
// G1[i+1] = τ·G1[i] for every i through a random linear combination:
// e(Σρ^i·G1[i+1], G2) == e(Σρ^i·G1[i], [τ]G2).
func verifyPowers(a *Artifact) error {
	_, _, g1, g2 := bn254.Generators()
	if !a.G1[0].Equal(&g1) {
		return fmt.Errorf("%w: first power is not the generator", ErrInvalidPowers)
	}
	if ok, err := pairingEq(&a.G1[1], &g2, &g1, &a.TauG2); err != nil || !ok {
		return fmt.Errorf("%w: G1 and G2 disagree on tau", ErrInvalidPowers)
	}

	n := len(a.G1)
	scalars := make([]fr.Element, n-1)
	var rho fr.Element
	if _, err := rho.SetRandom(); err != nil {
		return fmt.Errorf("sampling challenge: %w", err)
	}
	scalars[0].SetOne()
	for i := 1; i < len(scalars); i++ {
		scalars[i].Mul(&scalars[i-1], &rho)
	}

	var lhs, rhs bn254.G1Affine
	if _, err := lhs.MultiExp(a.G1[1:], scalars, ecc.MultiExpConfig{}); err != nil {
		return err
	}
	if _, err := rhs.MultiExp(a.G1[:n-1], scalars, ecc.MultiExpConfig{}); err != nil {
		return err
	}
	if ok, err := pairingEq(&lhs, &g2, &rhs, &a.TauG2); err != nil || !ok {
		return ErrInvalidPowers
	}
	return nil
}

// pairingEq reports whether e(a1, b1) == e(a2, b2).
func pairingEq(a1 *bn254.G1Affine, b1 *bn254.G2Affine, a2 *bn254.G1Affine, b2 *bn254.G2Affine) (bool, error) {
	var neg bn254.G1Affine
	neg.Neg(a2)
	return bn254.PairingCheck([]bn254.G1Affine{*a1, neg}, []bn254.G2Affine{*b1, *b2})
}

// VerifyChain checks every artifact of a chain against its predecessor,
// starting from the genesis artifact at index 0.
func VerifyChain(chain []*Artifact, circuitHash [32]byte) error {
	if len(chain) == 0 {
		return ErrNoContributions
	}
	if err := VerifyGenesis(chain[0], circuitHash); err != nil {
		return fmt.Errorf("artifact 0: %w", err)
	}
	for i := 1; i < len(chain); i++ {
		if err := Verify(chain[i-1], chain[i], circuitHash); err != nil {
			return fmt.Errorf("artifact %d: %w", i, err)
		}
	}
	return nil
}

// randomElement is used by the synthetic opening of the exported key.
func randomElement() (fr.Element, error) {
	var e fr.Element
	b := make([]byte, fr.Bytes)
	if _, err := rand.Read(b); err != nil {
		return e, err
	}
	e.SetBytes(b)
	return e, nil
}
