package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// StoreFactory creates artifact stores and publishers from location URIs.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{log: logger}
}

// ArtifactStoreFor creates an artifact store from a location URI.
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
func (sf *StoreFactory) ArtifactStoreFor(uri string) (interfaces.ArtifactStore, error) {
	loc, err := interfaces.NewStoreLocation(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "s3":
		return sf.createS3Store(loc)
	case "file":
		return sf.createFileStore(loc)
	default:
		return nil, fmt.Errorf("%w: %s is not an artifact store", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// PublisherFor creates a publisher from a list of location URIs. Several
// URIs produce a fan-out publisher; invalid ones are skipped with a warning.
func (sf *StoreFactory) PublisherFor(uris []string) (interfaces.Publisher, error) {
	publishers := make([]interfaces.Publisher, 0, len(uris))
	for _, uri := range uris {
		p, err := sf.createPublisher(uri)
		if err != nil {
			sf.log.Warn("Failed to create publisher", "err", err, slog.String("locationURI", uri))
			continue
		}
		publishers = append(publishers, p)
	}

	switch len(publishers) {
	case 0:
		return nil, fmt.Errorf("no valid publishers created")
	case 1:
		return publishers[0], nil
	default:
		return NewMultiPublisher(publishers, sf.log), nil
	}
}

// createPublisher creates an IPFS publisher.
// URI format: ipfs://host:port/?timeout=30s
func (sf *StoreFactory) createPublisher(uri string) (interfaces.Publisher, error) {
	loc, err := interfaces.NewStoreLocation(uri)
	if err != nil {
		return nil, err
	}
	if loc.Scheme != "ipfs" {
		return nil, fmt.Errorf("%w: %s is not a publisher", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}

	host, port, found := strings.Cut(loc.Host, ":")
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if t := loc.GetParam("timeout"); t != "" {
		if timeout, err = time.ParseDuration(t); err != nil {
			return nil, fmt.Errorf("%w: timeout: %w", interfaces.ErrInvalidLocationURI, err)
		}
	}
	sf.log.Debug("Creating IPFS publisher", slog.String("uri", uri))
	return NewIPFSPublisher(host, port, timeout, sf.log), nil
}

// createS3Store creates an S3 or S3-compatible store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]/?region=us-west-2&endpoint=http://minio:9000&path-style=true
func (sf *StoreFactory) createS3Store(loc interfaces.StoreLocation) (interfaces.ArtifactStore, error) {
	sf.log.Debug("Creating S3 store", slog.String("region", loc.GetParam("region")))

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	} else {
		sf.log.Debug("No credentials in URI, using the default AWS credential chain")
	}

	return NewS3Store(region, loc.GetParam("endpoint"), accessKey, secretKey, loc.GetParamBool("path-style"), sf.log)
}

// createFileStore creates a file system store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StoreFactory) createFileStore(loc interfaces.StoreLocation) (interfaces.ArtifactStore, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", loc.Raw)
	}
	return NewFileStore(path, sf.log)
}
