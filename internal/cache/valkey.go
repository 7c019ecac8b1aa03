package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig carries the optional TLS material for the valkey backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig identifies the durable-tier valkey instance.
type ValkeyConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       ValkeyTLSConfig
}

type valkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore connects the durable tier to valkey. Entries are written
// as JSON with no expiry: the durable tier never drops a record by age.
func NewValkeyStore(cfg ValkeyConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
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
				return nil, fmt.Errorf("cache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cct:entry:"
	}
	return &valkeyStore{client: client, prefix: prefix}, nil
}

func (s *valkeyStore) entryKey(ns, key string) string {
	return s.prefix + ns + ":" + key
}

func (s *valkeyStore) Read(ctx context.Context, ns, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.entryKey(ns, key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, &StoreError{Op: "read", Err: err}
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, &StoreError{Op: "read", Err: err}
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		// The record stays put; a later successful write repairs it.
		return Entry{}, false, fmt.Errorf("%w: %s/%s: %v", ErrDecode, ns, key, err)
	}
	return entry, true, nil
}

func (s *valkeyStore) Write(ctx context.Context, ns, key string, entry Entry) error {
	entry.Namespace = ns
	entry.Key = key
	payload, err := json.Marshal(entry)
	if err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	// SET without PX/EX: age never expires a durable record.
	cmd := s.client.B().Set().Key(s.entryKey(ns, key)).Value(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	return nil
}

func (s *valkeyStore) Delete(ctx context.Context, ns, key string) error {
	cmd := s.client.B().Del().Key(s.entryKey(ns, key)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	return nil
}

func (s *valkeyStore) Len(ctx context.Context) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Dbsize().Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, &StoreError{Op: "read", Err: err}
	}
	return size, nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
