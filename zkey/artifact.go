// Package zkey implements the contribution engine of the ceremony: the zkey
// artifact format, contribution with a proof of knowledge of the secret,
// verification of one artifact against its predecessor, deterministic beacon
// contributions and the verification key export of a finalized artifact.
//
// An artifact holds the powers [τ^0]G1 ... [τ^(n-1)]G1 and [τ]G2 over bn254,
// bound to one circuit by its constraint-system hash, followed by the chain
// of contributions that produced τ. Every contribution multiplies τ by a
// secret x and appends a public key {S, SX, SPX} proving knowledge of x
// without revealing it, plus the running 64-byte contribution hash.
package zkey

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"golang.org/x/crypto/blake2b"
)

const (
	formatVersion uint32 = 1

	// HashSize is the size of a contribution hash.
	HashSize = blake2b.Size

	// MaxPowers bounds the number of G1 powers accepted when decoding.
	MaxPowers = 1 << 24
)

var magic = [4]byte{'z', 'k', 'e', 'y'}

var (
	ErrBadMagic        = errors.New("not a zkey artifact")
	ErrUnsupported     = errors.New("unsupported zkey format version")
	ErrCircuitMismatch = errors.New("artifact is bound to a different circuit")
	ErrChainMismatch   = errors.New("artifact does not extend its predecessor")
	ErrInvalidProof    = errors.New("invalid proof of knowledge")
	ErrInvalidPowers   = errors.New("inconsistent powers")
	ErrInvalidBeacon   = errors.New("beacon contribution does not match beacon")
	ErrNoContributions = errors.New("artifact has no contributions")
)

// Kind tells how the secret of a contribution was chosen.
type Kind uint8

const (
	KindParticipant Kind = iota
	KindBeacon
)

// PublicKey proves knowledge of the secret x of a contribution:
// SX = x·S and SPX = x·R where R is derived from S and SX.
type PublicKey struct {
	S   bn254.G1Affine
	SX  bn254.G1Affine
	SPX bn254.G2Affine
}

// Contribution is one entry of the contribution chain of an artifact.
type Contribution struct {
	Kind      Kind
	PublicKey PublicKey
	// Beacon is the iterated beacon hash and BeaconExp its iteration
	// exponent; both are zero for participant contributions.
	Beacon    [32]byte
	BeaconExp uint8
	Hash      [HashSize]byte
}

// Artifact is a decoded zkey.
type Artifact struct {
	CircuitHash   [32]byte
	G1            []bn254.G1Affine
	TauG2         bn254.G2Affine
	Contributions []Contribution
}

// Genesis returns the artifact at index 0 of a circuit: every power set to
// the generators, so τ = 1 until the first contribution.
func Genesis(circuitHash [32]byte, n int) (*Artifact, error) {
	if n < 2 || n > MaxPowers {
		return nil, fmt.Errorf("power count %d out of range [2, %d]", n, MaxPowers)
	}
	_, _, g1, g2 := bn254.Generators()
	a := &Artifact{CircuitHash: circuitHash, G1: make([]bn254.G1Affine, n), TauG2: g2}
	for i := range a.G1 {
		a.G1[i] = g1
	}
	return a, nil
}

// GenesisHash is the chain hash preceding the first contribution.
func GenesisHash(circuitHash [32]byte) [HashSize]byte {
	return blake2b.Sum512(append([]byte("zkey-genesis"), circuitHash[:]...))
}

// LastHash returns the hash of the latest contribution, or the genesis hash.
func (a *Artifact) LastHash() [HashSize]byte {
	if len(a.Contributions) == 0 {
		return GenesisHash(a.CircuitHash)
	}
	return a.Contributions[len(a.Contributions)-1].Hash
}

// Clone returns a deep copy of a.
func (a *Artifact) Clone() *Artifact {
	c := &Artifact{CircuitHash: a.CircuitHash, TauG2: a.TauG2}
	c.G1 = append([]bn254.G1Affine(nil), a.G1...)
	c.Contributions = append([]Contribution(nil), a.Contributions...)
	return c
}

func chainHash(prev [HashSize]byte, c *Contribution, tauG2 *bn254.G2Affine) [HashSize]byte {
	h, _ := blake2b.New512(nil)
	h.Write(prev[:])
	h.Write([]byte{byte(c.Kind)})
	s, sx, spx := c.PublicKey.S.Bytes(), c.PublicKey.SX.Bytes(), c.PublicKey.SPX.Bytes()
	h.Write(s[:])
	h.Write(sx[:])
	h.Write(spx[:])
	if c.Kind == KindBeacon {
		h.Write(c.Beacon[:])
		h.Write([]byte{c.BeaconExp})
	}
	t := tauG2.Bytes()
	h.Write(t[:])
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// WriteTo encodes the artifact.
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	cw.write(magic[:])
	cw.u32(formatVersion)
	cw.write(a.CircuitHash[:])
	cw.u32(uint32(len(a.G1)))
	for i := range a.G1 {
		b := a.G1[i].Bytes()
		cw.write(b[:])
	}
	t := a.TauG2.Bytes()
	cw.write(t[:])
	cw.u32(uint32(len(a.Contributions)))
	for i := range a.Contributions {
		c := &a.Contributions[i]
		cw.write([]byte{byte(c.Kind)})
		s, sx, spx := c.PublicKey.S.Bytes(), c.PublicKey.SX.Bytes(), c.PublicKey.SPX.Bytes()
		cw.write(s[:])
		cw.write(sx[:])
		cw.write(spx[:])
		cw.write(c.Beacon[:])
		cw.write([]byte{c.BeaconExp})
		cw.write(c.Hash[:])
	}
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, bw.Flush()
}

// Bytes encodes the artifact into memory.
func (a *Artifact) Bytes() []byte {
	var buf bytes.Buffer
	_, _ = a.WriteTo(&buf)
	return buf.Bytes()
}

// decodeBatch bounds the powers preallocated before any point was read.
const decodeBatch = 1 << 12

// Decode reads an artifact, checking every point is on the curve and in the
// prime-order subgroup.
func Decode(r io.Reader) (*Artifact, error) {
	br := bufio.NewReader(r)

	var head [4]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMagic, err)
	}
	if head != magic {
		return nil, ErrBadMagic
	}
	version, err := readU32(br)
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, version)
	}

	a := &Artifact{}
	if _, err := io.ReadFull(br, a.CircuitHash[:]); err != nil {
		return nil, err
	}
	n, err := readU32(br)
	if err != nil {
		return nil, err
	}
	if n < 2 || n > MaxPowers {
		return nil, fmt.Errorf("power count %d out of range", n)
	}

	// The header is untrusted: memory grows with the points actually read.
	a.G1 = make([]bn254.G1Affine, 0, min(n, decodeBatch))
	g1buf := make([]byte, bn254.SizeOfG1AffineCompressed)
	for i := uint32(0); i < n; i++ {
		var p bn254.G1Affine
		if err := readPoint(br, g1buf, p.SetBytes); err != nil {
			return nil, fmt.Errorf("power %d: %w", i, err)
		}
		a.G1 = append(a.G1, p)
	}
	g2buf := make([]byte, bn254.SizeOfG2AffineCompressed)
	if err := readPoint(br, g2buf, a.TauG2.SetBytes); err != nil {
		return nil, fmt.Errorf("tau G2: %w", err)
	}

	count, err := readU32(br)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		var c Contribution
		var kind [1]byte
		if _, err := io.ReadFull(br, kind[:]); err != nil {
			return nil, err
		}
		c.Kind = Kind(kind[0])
		if err := readPoint(br, g1buf, c.PublicKey.S.SetBytes); err != nil {
			return nil, fmt.Errorf("contribution %d S: %w", i, err)
		}
		if err := readPoint(br, g1buf, c.PublicKey.SX.SetBytes); err != nil {
			return nil, fmt.Errorf("contribution %d SX: %w", i, err)
		}
		if err := readPoint(br, g2buf, c.PublicKey.SPX.SetBytes); err != nil {
			return nil, fmt.Errorf("contribution %d SPX: %w", i, err)
		}
		if _, err := io.ReadFull(br, c.Beacon[:]); err != nil {
			return nil, err
		}
		var exp [1]byte
		if _, err := io.ReadFull(br, exp[:]); err != nil {
			return nil, err
		}
		c.BeaconExp = exp[0]
		if _, err := io.ReadFull(br, c.Hash[:]); err != nil {
			return nil, err
		}
		a.Contributions = append(a.Contributions, c)
	}
	return a, nil
}

func readPoint(r io.Reader, buf []byte, set func([]byte) (int, error)) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	_, err := set(buf)
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) write(b []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(b)
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	c.write(b[:])
}

// HashConstraintSystem returns the digest binding artifacts to a constraint system.
func HashConstraintSystem(r1cs []byte) [32]byte {
	return blake2b.Sum256(r1cs)
}

// ParseCircuitHash decodes a hex constraint-system digest.
func ParseCircuitHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid circuit hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid circuit hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}
