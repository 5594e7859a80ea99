package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// MultiPublisher fans a publication out to several publishers. It succeeds
// when at least one publisher accepted the data.
type MultiPublisher struct {
	publishers []interfaces.Publisher
	log        *slog.Logger
}

// NewMultiPublisher creates a fan-out publisher.
func NewMultiPublisher(publishers []interfaces.Publisher, logger *slog.Logger) *MultiPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiPublisher{
		publishers: publishers,
		log:        logger,
	}
}

// Publish stores data with every publisher and returns the locations that
// accepted it, joined by commas.
func (m *MultiPublisher) Publish(ctx context.Context, name string, data []byte) (string, error) {
	start := time.Now()
	var locations []string
	var errs *multierror.Error

	for _, p := range m.publishers {
		loc, err := p.Publish(ctx, name, data)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			m.log.Debug("Failed to publish",
				slog.String("publisher", p.Name()),
				slog.String("name", name),
				"err", err)
			continue
		}
		locations = append(locations, loc)
	}

	if len(locations) == 0 {
		m.log.Error("All publishers failed",
			slog.String("name", name),
			slog.Int("failed_publishers", len(m.publishers)),
			slog.Duration("duration", time.Since(start)))
		if errs == nil {
			return "", fmt.Errorf("no publishers configured")
		}
		return "", errs.ErrorOrNil()
	}
	if errs != nil {
		m.log.Warn("Some publishers failed", slog.String("name", name), "err", errs)
	}
	return strings.Join(locations, ","), nil
}

// Name returns the name of this publisher.
func (m *MultiPublisher) Name() string {
	names := make([]string, 0, len(m.publishers))
	for _, p := range m.publishers {
		names = append(names, p.Name())
	}
	return "multi:[" + strings.Join(names, ",") + "]"
}
