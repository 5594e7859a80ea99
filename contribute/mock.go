package contribute

import (
	"context"
	"io"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockCoordinator mocks the Coordinator interface
type MockCoordinator struct {
	mock.Mock
}

func (m *MockCoordinator) GetCeremony(ctx context.Context, ceremonyID string) (*interfaces.Ceremony, error) {
	args := m.Called(ctx, ceremonyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Ceremony), args.Error(1)
}

func (m *MockCoordinator) ListCircuits(ctx context.Context, ceremonyID string) ([]*interfaces.Circuit, error) {
	args := m.Called(ctx, ceremonyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*interfaces.Circuit), args.Error(1)
}

func (m *MockCoordinator) CheckParticipant(ctx context.Context, ceremonyID string) (bool, error) {
	args := m.Called(ctx, ceremonyID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCoordinator) Register(ctx context.Context, ceremonyID string) (*interfaces.Participant, error) {
	args := m.Called(ctx, ceremonyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Participant), args.Error(1)
}

func (m *MockCoordinator) Resume(ctx context.Context, ceremonyID string) (*interfaces.Participant, error) {
	args := m.Called(ctx, ceremonyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Participant), args.Error(1)
}

func (m *MockCoordinator) WatchParticipant(ctx context.Context, ceremonyID string, since int64) (*interfaces.Participant, int64, error) {
	args := m.Called(ctx, ceremonyID, since)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(*interfaces.Participant), args.Get(1).(int64), args.Error(2)
}

func (m *MockCoordinator) ProgressToNextContributionStep(ctx context.Context, ceremonyID string) (interfaces.ContributionStep, error) {
	args := m.Called(ctx, ceremonyID)
	return args.Get(0).(interfaces.ContributionStep), args.Error(1)
}

func (m *MockCoordinator) ProgressToNextCircuit(ctx context.Context, ceremonyID string) (*interfaces.Participant, error) {
	args := m.Called(ctx, ceremonyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Participant), args.Error(1)
}

func (m *MockCoordinator) StoreContributionTimeAndHash(ctx context.Context, ceremonyID string, computationTime int64, hash string) error {
	args := m.Called(ctx, ceremonyID, computationTime, hash)
	return args.Error(0)
}

func (m *MockCoordinator) StoreUploadID(ctx context.Context, ceremonyID, uploadID string) error {
	args := m.Called(ctx, ceremonyID, uploadID)
	return args.Error(0)
}

func (m *MockCoordinator) StoreUploadedChunk(ctx context.Context, ceremonyID string, chunk interfaces.ChunkPart) error {
	args := m.Called(ctx, ceremonyID, chunk)
	return args.Error(0)
}

func (m *MockCoordinator) VerifyContribution(ctx context.Context, ceremonyID, circuitID string) (*interfaces.VerificationResult, error) {
	args := m.Called(ctx, ceremonyID, circuitID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.VerificationResult), args.Error(1)
}

func (m *MockCoordinator) ObjectExists(ctx context.Context, ceremonyID, key string) (bool, error) {
	args := m.Called(ctx, ceremonyID, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockCoordinator) OpenObject(ctx context.Context, ceremonyID, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, ceremonyID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}
