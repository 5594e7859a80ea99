package zkey

import (
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/crypto/blake2b"
)

var pokDST = []byte("ZKEY_POK_BN254_XMD:SHA-256_SVDW_RO_")

// MaxBeaconExp bounds the number of beacon hash iterations to 2^MaxBeaconExp.
const MaxBeaconExp = 32

// scalarFrom derives a non-zero field element from domain-separated input.
func scalarFrom(tag string, parts ...[]byte) fr.Element {
	h, _ := blake2b.New512(nil)
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	var e fr.Element
	e.SetBytes(h.Sum(nil))
	if e.IsZero() {
		e.SetOne()
	}
	return e
}

// Contribute derives the next artifact of the chain from prev, mixing
// entropy with the previous contribution hash into the secret. The secret
// never leaves this function.
func Contribute(prev *Artifact, entropy []byte) (*Artifact, error) {
	if len(entropy) == 0 {
		return nil, errors.New("empty entropy")
	}
	last := prev.LastHash()
	x := scalarFrom("zkey-secret", entropy, last[:])
	r := scalarFrom("zkey-pok", entropy, last[:], []byte{1})
	return apply(prev, x, r, Contribution{Kind: KindParticipant})
}

// IterateBeacon hashes beacon 2^exp times with blake2b-256.
func IterateBeacon(beacon []byte, exp uint8) ([32]byte, error) {
	if exp == 0 || exp > MaxBeaconExp {
		return [32]byte{}, fmt.Errorf("beacon exponent %d out of range [1, %d]", exp, MaxBeaconExp)
	}
	h := blake2b.Sum256(beacon)
	for i := uint64(1); i < uint64(1)<<exp; i++ {
		h = blake2b.Sum256(h[:])
	}
	return h, nil
}

// ApplyBeacon appends the deterministic final contribution derived from a
// public beacon value. Anyone can recompute it from the beacon.
func ApplyBeacon(prev *Artifact, beacon []byte, exp uint8) (*Artifact, error) {
	iterated, err := IterateBeacon(beacon, exp)
	if err != nil {
		return nil, err
	}
	x, r := beaconScalars(iterated)
	return apply(prev, x, r, Contribution{Kind: KindBeacon, Beacon: iterated, BeaconExp: exp})
}

func beaconScalars(iterated [32]byte) (fr.Element, fr.Element) {
	return scalarFrom("zkey-beacon", iterated[:]), scalarFrom("zkey-beacon-pok", iterated[:])
}

func apply(prev *Artifact, x, r fr.Element, c Contribution) (*Artifact, error) {
	next := prev.Clone()
	scalePowers(next.G1, x)

	xb := x.BigInt(new(big.Int))
	next.TauG2.ScalarMultiplication(&next.TauG2, xb)

	pk, err := provePossession(x, r)
	if err != nil {
		return nil, err
	}
	c.PublicKey = pk
	c.Hash = chainHash(prev.LastHash(), &c, &next.TauG2)
	next.Contributions = append(next.Contributions, c)
	return next, nil
}

// scalePowers multiplies G1[i] by x^i, splitting the work across CPUs.
func scalePowers(g1 []bn254.G1Affine, x fr.Element) {
	workers := runtime.NumCPU()
	chunk := (len(g1) + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < len(g1); start += chunk {
		end := min(start+chunk, len(g1))
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			var xi fr.Element
			xi.Exp(x, big.NewInt(int64(start)))
			var k big.Int
			for i := start; i < end; i++ {
				g1[i].ScalarMultiplication(&g1[i], xi.BigInt(&k))
				xi.Mul(&xi, &x)
			}
		}(start, end)
	}
	wg.Wait()
}

func provePossession(x, r fr.Element) (PublicKey, error) {
	_, _, g1, _ := bn254.Generators()
	var pk PublicKey
	pk.S.ScalarMultiplication(&g1, r.BigInt(new(big.Int)))
	pk.SX.ScalarMultiplication(&pk.S, x.BigInt(new(big.Int)))

	rG2, err := pokBase(&pk)
	if err != nil {
		return PublicKey{}, err
	}
	pk.SPX.ScalarMultiplication(&rG2, x.BigInt(new(big.Int)))
	return pk, nil
}

// pokBase is the G2 point R the proof of knowledge is bound to.
func pokBase(pk *PublicKey) (bn254.G2Affine, error) {
	s, sx := pk.S.Bytes(), pk.SX.Bytes()
	msg := append(s[:], sx[:]...)
	return bn254.HashToG2(msg, pokDST)
}
