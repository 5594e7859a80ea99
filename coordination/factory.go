package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/redis/go-redis/v9"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// NewStoreFromURI creates a Store from a location URI:
//
//	memory://
//	redis://[:password@]host:port/db[?prefix=zkc:]
func NewStoreFromURI(ctx context.Context, uri string, log *slog.Logger) (Store, error) {
	loc, err := interfaces.NewStoreLocation(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "memory":
		return NewMemoryStore(log), nil
	case "redis":
		prefix := loc.GetParam("prefix")
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidLocationURI, err)
		}
		q := parsed.Query()
		q.Del("prefix")
		parsed.RawQuery = q.Encode()

		opts, err := redis.ParseURL(parsed.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidLocationURI, err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: redis %s: %w", interfaces.ErrBackendUnavailable, opts.Addr, err)
		}
		log.Info("connected to coordination database", "addr", opts.Addr, "db", opts.DB)
		return NewRedisStore(client, prefix, log), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a coordination database", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}
