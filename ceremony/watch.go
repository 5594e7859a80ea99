package ceremony

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// WatchParticipant blocks until the participant document of userID has a
// version newer than since, or ctx is done. It returns the newest version
// seen, which equals since when nothing changed.
func (s *Service) WatchParticipant(ctx context.Context, caller interfaces.Caller, ceremonyID, userID string, since int64) (*interfaces.Participant, int64, error) {
	c, err := s.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return nil, 0, err
	}
	if err := requireSelfOrCoordinator(caller, c, userID); err != nil {
		return nil, 0, err
	}
	s.checkTimeouts(ctx, ceremonyID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := s.db.Subscribe(ctx, interfaces.ParticipantPath(ceremonyID, userID))
	if err != nil {
		return nil, 0, err
	}

	var (
		last        *interfaces.Participant
		lastVersion int64
	)
	for ev := range events {
		if ev.Deleted {
			last, lastVersion = nil, ev.Version
			continue
		}
		var p interfaces.Participant
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, 0, fmt.Errorf("decoding %s: %w", ev.Path, err)
		}
		last, lastVersion = &p, ev.Version
		if ev.Version > since {
			return last, lastVersion, nil
		}
	}

	if last == nil {
		return nil, 0, fmt.Errorf("%w: %s", interfaces.ErrParticipantNotFound, userID)
	}
	return last, lastVersion, nil
}
