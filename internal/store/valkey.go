package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyStore struct {
	client valkey.Client
}

// NewValkey connects the distributed backend and verifies reachability with a
// ping before handing the store to callers.
func NewValkey(cfg ValkeyConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: valkey ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

func (s *valkeyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: valkey get: %v", ErrUnavailable, err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("%w: valkey get bytes: %v", ErrUnavailable, err)
	}
	return payload, true, nil
}

func (s *valkeyStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cmd := s.client.B().Set().Key(key).Value(string(value)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: valkey set: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *valkeyStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Incr().Key(key).Build())
	count, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("%w: valkey incr: %v", ErrUnavailable, err)
	}
	// The expiry is attached only when the increment created the counter, so
	// an established window keeps its original deadline.
	if count == 1 && ttl > 0 {
		cmd := s.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build()
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return 0, fmt.Errorf("%w: valkey pexpire: %v", ErrUnavailable, err)
		}
	}
	return count, nil
}

func (s *valkeyStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Pttl().Key(key).Build())
	millis, err := resp.AsInt64()
	if err != nil {
		return 0, false, fmt.Errorf("%w: valkey pttl: %v", ErrUnavailable, err)
	}
	// -2 means the key does not exist, -1 means it carries no expiry.
	if millis == -2 {
		return 0, false, nil
	}
	if millis < 0 {
		return 0, true, nil
	}
	return time.Duration(millis) * time.Millisecond, true, nil
}

func (s *valkeyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("%w: valkey del: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
