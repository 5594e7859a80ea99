// Package beacon provides the public randomness applied as the final
// contribution of every circuit: either a static value announced in
// advance or the hash of a future Ethereum block.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrBlockNotFinal is returned when the beacon block has not yet gathered
// enough confirmations.
var ErrBlockNotFinal = errors.New("beacon block not final yet")

// Source yields a beacon value.
type Source interface {
	Beacon(ctx context.Context) ([]byte, error)
	// Describe says where the value comes from, for the transcript.
	Describe() string
}

// StaticSource is a beacon value fixed in advance.
type StaticSource struct {
	value []byte
}

// NewStaticSource parses a hex beacon value.
func NewStaticSource(hexValue string) (*StaticSource, error) {
	value, err := hexutil.Decode(ensure0x(hexValue))
	if err != nil {
		return nil, fmt.Errorf("invalid beacon value: %w", err)
	}
	if len(value) == 0 {
		return nil, errors.New("empty beacon value")
	}
	return &StaticSource{value: value}, nil
}

func ensure0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s
	}
	return "0x" + s
}

func (s *StaticSource) Beacon(ctx context.Context) ([]byte, error) {
	return s.value, nil
}

func (s *StaticSource) Describe() string {
	return "static " + hexutil.Encode(s.value)
}

// HeaderReader is the part of an Ethereum client the block-hash source needs.
// *ethclient.Client satisfies it.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// BlockHashSource uses the hash of a chosen Ethereum block once it has the
// requested number of confirmations.
type BlockHashSource struct {
	client        HeaderReader
	block         uint64
	confirmations uint64
}

// NewBlockHashSource creates a block-hash beacon over client.
func NewBlockHashSource(client HeaderReader, block, confirmations uint64) *BlockHashSource {
	return &BlockHashSource{client: client, block: block, confirmations: confirmations}
}

// DialBlockHashSource connects to an Ethereum RPC endpoint.
func DialBlockHashSource(ctx context.Context, rpcURL string, block, confirmations uint64) (*BlockHashSource, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", rpcURL, err)
	}
	return NewBlockHashSource(client, block, confirmations), nil
}

func (s *BlockHashSource) Beacon(ctx context.Context) ([]byte, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}
	if head < s.block+s.confirmations {
		return nil, fmt.Errorf("%w: block %d, head %d, %d confirmations required", ErrBlockNotFinal, s.block, head, s.confirmations)
	}
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(s.block))
	if err != nil {
		return nil, fmt.Errorf("reading block %d: %w", s.block, err)
	}
	hash := header.Hash()
	return hash.Bytes(), nil
}

func (s *BlockHashSource) Describe() string {
	return fmt.Sprintf("ethereum block %d", s.block)
}

// HashHex renders a beacon value the way it is recorded in the database.
func HashHex(b []byte) string {
	return common.Bytes2Hex(b)
}
