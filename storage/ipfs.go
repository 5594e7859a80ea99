package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// IPFSPublisher mirrors finalized artifacts to an IPFS node and pins them.
type IPFSPublisher struct {
	shell       *shell.Shell
	host        string
	port        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSPublisher creates a publisher talking to the IPFS API at host:port.
func NewIPFSPublisher(host, port string, timeout time.Duration, log *slog.Logger) *IPFSPublisher {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)
	return &IPFSPublisher{
		shell:       sh,
		host:        host,
		port:        port,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?timeout=%s", apiURL, timeout),
	}
}

// Publish adds data to IPFS and returns its ipfs:// location.
func (b *IPFSPublisher) Publish(ctx context.Context, name string, data []byte) (string, error) {
	start := time.Now()
	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", slog.String("host", b.host), slog.String("port", b.port))
		return "", interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return "", fmt.Errorf("failed to add %s to IPFS: %w", name, err)
	}

	b.log.Info("Published artifact to IPFS",
		slog.String("name", name),
		slog.String("cid", cid),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return "ipfs://" + cid, nil
}

// Name returns a unique identifier for this publisher.
func (b *IPFSPublisher) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this publisher.
func (b *IPFSPublisher) LocationURI() string {
	return b.locationURI
}
