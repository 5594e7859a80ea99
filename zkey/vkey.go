package zkey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"text/template"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/kzg"
)

// ErrVerificationKeyMismatch is returned when an exported key does not
// belong to the artifact it is checked against.
var ErrVerificationKeyMismatch = errors.New("verification key does not match artifact")

// VerificationKey is the public key of the KZG commitment scheme set up by
// a finalized artifact. Coordinates are decimal strings; G2 coordinates are
// [[x.A0, x.A1], [y.A0, y.A1]].
type VerificationKey struct {
	Protocol      string       `json:"protocol"`
	Curve         string       `json:"curve"`
	Circuit       string       `json:"circuit"`
	CircuitHash   string       `json:"circuitHash"`
	Powers        int          `json:"nPowers"`
	Contributions int          `json:"nContributions"`
	FinalHash     string       `json:"finalHash"`
	G1            [2]string    `json:"g1"`
	G2            [2][2]string `json:"g2"`
	TauG2         [2][2]string `json:"tauG2"`
}

func g1Coords(p *bn254.G1Affine) [2]string {
	return [2]string{p.X.String(), p.Y.String()}
}

func g2Coords(p *bn254.G2Affine) [2][2]string {
	return [2][2]string{{p.X.A0.String(), p.X.A1.String()}, {p.Y.A0.String(), p.Y.A1.String()}}
}

func parseG2(c [2][2]string) (bn254.G2Affine, error) {
	var p bn254.G2Affine
	if _, err := p.X.A0.SetString(c[0][0]); err != nil {
		return p, err
	}
	if _, err := p.X.A1.SetString(c[0][1]); err != nil {
		return p, err
	}
	if _, err := p.Y.A0.SetString(c[1][0]); err != nil {
		return p, err
	}
	if _, err := p.Y.A1.SetString(c[1][1]); err != nil {
		return p, err
	}
	if !p.IsOnCurve() || !p.IsInSubGroup() {
		return p, errors.New("point not in G2")
	}
	return p, nil
}

// ExportVerificationKey builds the verification key of a finalized artifact.
func ExportVerificationKey(a *Artifact, circuit string) (*VerificationKey, error) {
	if len(a.Contributions) == 0 {
		return nil, ErrNoContributions
	}
	_, _, g1, g2 := bn254.Generators()
	last := a.LastHash()
	return &VerificationKey{
		Protocol:      "kzg",
		Curve:         "bn254",
		Circuit:       circuit,
		CircuitHash:   hex.EncodeToString(a.CircuitHash[:]),
		Powers:        len(a.G1),
		Contributions: len(a.Contributions),
		FinalHash:     hex.EncodeToString(last[:]),
		G1:            g1Coords(&g1),
		G2:            g2Coords(&g2),
		TauG2:         g2Coords(&a.TauG2),
	}, nil
}

// CheckVerificationKey checks that vk was exported from a, then opens a
// random polynomial committed with the artifact's powers and verifies the
// opening against vk alone.
func CheckVerificationKey(vk *VerificationKey, a *Artifact) error {
	last := a.LastHash()
	if vk.CircuitHash != hex.EncodeToString(a.CircuitHash[:]) ||
		vk.Powers != len(a.G1) ||
		vk.Contributions != len(a.Contributions) ||
		vk.FinalHash != hex.EncodeToString(last[:]) {
		return ErrVerificationKeyMismatch
	}
	tau, err := parseG2(vk.TauG2)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationKeyMismatch, err)
	}
	if !tau.Equal(&a.TauG2) {
		return ErrVerificationKeyMismatch
	}

	poly := make([]fr.Element, len(a.G1))
	for i := range poly {
		if poly[i], err = randomElement(); err != nil {
			return err
		}
	}
	point, err := randomElement()
	if err != nil {
		return err
	}

	pk := kzg.ProvingKey{G1: a.G1}
	commitment, err := kzg.Commit(poly, pk)
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	proof, err := kzg.Open(poly, point, pk)
	if err != nil {
		return fmt.Errorf("opening: %w", err)
	}
	return verifyOpening(&commitment, &proof, point, &tau)
}

// verifyOpening checks e(C - y·G1 + z·H, G2) == e(H, [τ]G2).
func verifyOpening(commitment *kzg.Digest, proof *kzg.OpeningProof, point fr.Element, tau *bn254.G2Affine) error {
	_, _, g1, g2 := bn254.Generators()

	var yG1, zH bn254.G1Affine
	yG1.ScalarMultiplication(&g1, proof.ClaimedValue.BigInt(new(big.Int)))
	zH.ScalarMultiplication(&proof.H, point.BigInt(new(big.Int)))

	var acc bn254.G1Jac
	acc.FromAffine(commitment)
	var yJac bn254.G1Jac
	yJac.FromAffine(&yG1)
	acc.SubAssign(&yJac)
	acc.AddMixed(&zH)

	var lhs bn254.G1Affine
	lhs.FromJacobian(&acc)
	ok, err := pairingEq(&lhs, &g2, &proof.H, tau)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: synthetic opening rejected", ErrVerificationKeyMismatch)
	}
	return nil
}

var verifierTemplate = template.Must(template.New("verifier").Parse(`// SPDX-License-Identifier: MIT
// Verifier for KZG openings against the {{.Circuit}} setup.
// Constraint system: {{.CircuitHash}}
// Contributions: {{.Contributions}}
pragma solidity ^0.8.20;

contract {{.Contract}} {
    uint256 constant G1_X = {{index .G1 0}};
    uint256 constant G1_Y = {{index .G1 1}};

    uint256 constant G2_X1 = {{index .G2 0 1}};
    uint256 constant G2_X0 = {{index .G2 0 0}};
    uint256 constant G2_Y1 = {{index .G2 1 1}};
    uint256 constant G2_Y0 = {{index .G2 1 0}};

    uint256 constant TAU_X1 = {{index .TauG2 0 1}};
    uint256 constant TAU_X0 = {{index .TauG2 0 0}};
    uint256 constant TAU_Y1 = {{index .TauG2 1 1}};
    uint256 constant TAU_Y0 = {{index .TauG2 1 0}};

    uint256 constant P = 21888242871839275222246405745257275088696311157297823662689037844853000208583;

    function ecAdd(uint256[2] memory a, uint256[2] memory b) internal view returns (uint256[2] memory r) {
        uint256[4] memory input = [a[0], a[1], b[0], b[1]];
        bool ok;
        assembly { ok := staticcall(gas(), 0x06, input, 0x80, r, 0x40) }
        require(ok, "ecAdd");
    }

    function ecMul(uint256[2] memory a, uint256 s) internal view returns (uint256[2] memory r) {
        uint256[3] memory input = [a[0], a[1], s];
        bool ok;
        assembly { ok := staticcall(gas(), 0x07, input, 0x60, r, 0x40) }
        require(ok, "ecMul");
    }

    function neg(uint256[2] memory a) internal pure returns (uint256[2] memory) {
        if (a[0] == 0 && a[1] == 0) return a;
        return [a[0], P - (a[1] % P)];
    }

    // Checks that commitment opens to value at point with the given proof:
    // e(C - value*G1 + point*proof, G2) == e(proof, [tau]G2).
    function verifyOpening(
        uint256[2] calldata commitment,
        uint256 point,
        uint256 value,
        uint256[2] calldata proof
    ) public view returns (bool) {
        uint256[2] memory lhs = ecAdd(commitment, neg(ecMul([G1_X, G1_Y], value)));
        lhs = ecAdd(lhs, ecMul(proof, point));
        uint256[2] memory negProof = neg(proof);

        uint256[12] memory input = [
            lhs[0], lhs[1], G2_X1, G2_X0, G2_Y1, G2_Y0,
            negProof[0], negProof[1], TAU_X1, TAU_X0, TAU_Y1, TAU_Y0
        ];
        uint256[1] memory out;
        bool ok;
        assembly { ok := staticcall(gas(), 0x08, input, 0x180, out, 0x20) }
        require(ok, "pairing");
        return out[0] == 1;
    }
}
`))

// WriteSolidityVerifier renders a Solidity contract verifying KZG openings
// against vk.
func WriteSolidityVerifier(w io.Writer, vk *VerificationKey, contract string) error {
	return verifierTemplate.Execute(w, struct {
		*VerificationKey
		Contract string
	}{vk, contract})
}
