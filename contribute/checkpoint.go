package contribute

import (
	"context"
	"sync"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// participantCheckpoint keeps upload progress in the participant's
// temporary contribution data on the coordinator, so that a restarted
// contributor resumes where it stopped.
type participantCheckpoint struct {
	api        Coordinator
	ceremonyID string

	uploadID string
	parts    []interfaces.Part
}

func newParticipantCheckpoint(api Coordinator, ceremonyID string, temp *interfaces.TempContributionData) *participantCheckpoint {
	cp := &participantCheckpoint{api: api, ceremonyID: ceremonyID}
	if temp != nil {
		cp.uploadID = temp.UploadID
		for _, c := range temp.Chunks {
			cp.parts = append(cp.parts, interfaces.Part{PartNumber: c.PartNumber, ETag: c.ETag})
		}
	}
	return cp
}

func (c *participantCheckpoint) Load(ctx context.Context) (string, []interfaces.Part, error) {
	return c.uploadID, c.parts, nil
}

func (c *participantCheckpoint) SaveUploadID(ctx context.Context, uploadID string) error {
	if err := c.api.StoreUploadID(ctx, c.ceremonyID, uploadID); err != nil {
		return err
	}
	c.uploadID, c.parts = uploadID, nil
	return nil
}

func (c *participantCheckpoint) SaveChunk(ctx context.Context, part interfaces.Part) error {
	err := c.api.StoreUploadedChunk(ctx, c.ceremonyID, interfaces.ChunkPart{PartNumber: part.PartNumber, ETag: part.ETag})
	if err != nil {
		return err
	}
	c.parts = replacePart(c.parts, part)
	return nil
}

// memoryCheckpoint is used for objects small enough to be re-sent whole.
type memoryCheckpoint struct {
	mu       sync.Mutex
	uploadID string
	parts    []interfaces.Part
}

func (m *memoryCheckpoint) Load(ctx context.Context) (string, []interfaces.Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadID, append([]interfaces.Part(nil), m.parts...), nil
}

func (m *memoryCheckpoint) SaveUploadID(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadID, m.parts = uploadID, nil
	return nil
}

func (m *memoryCheckpoint) SaveChunk(ctx context.Context, part interfaces.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = replacePart(m.parts, part)
	return nil
}

// replacePart records part, overwriting a re-sent part with the same number.
func replacePart(parts []interfaces.Part, part interfaces.Part) []interfaces.Part {
	for i := range parts {
		if parts[i].PartNumber == part.PartNumber {
			parts[i] = part
			return parts
		}
	}
	return append(parts, part)
}
