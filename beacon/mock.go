package beacon

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"
)

// MockHeaderReader mocks the HeaderReader interface
type MockHeaderReader struct {
	mock.Mock
}

// HeaderByNumber mocks the HeaderByNumber method
func (m *MockHeaderReader) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	args := m.Called(ctx, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Header), args.Error(1)
}

// BlockNumber mocks the BlockNumber method
func (m *MockHeaderReader) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}
