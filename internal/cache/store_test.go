package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry := Entry{
		Payload:  json.RawMessage(`{"plan":"pro"}`),
		CachedAt: time.Now().UTC(),
	}
	if err := store.Write(ctx, "accounts", "42", entry); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, found, err := store.Read(ctx, "accounts", "42")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !found {
		t.Fatalf("expected hit")
	}
	if got.Namespace != "accounts" || got.Key != "42" {
		t.Fatalf("identity not stamped on write: %#v", got)
	}
	if string(got.Payload) != `{"plan":"pro"}` {
		t.Fatalf("unexpected payload: %s", got.Payload)
	}

	size, err := store.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	if err := store.Delete(ctx, "accounts", "42"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.Read(ctx, "accounts", "42"); found {
		t.Fatalf("expected delete to remove entry")
	}
	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreMissIsNotAnError(t *testing.T) {
	store := NewMemoryStore()
	_, found, err := store.Read(context.Background(), "ns", "absent")
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if found {
		t.Fatalf("expected miss")
	}
}

func TestMemoryStorePayloadIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	payload := json.RawMessage(`{"v":1}`)
	if err := store.Write(ctx, "ns", "k", Entry{Payload: payload, CachedAt: time.Now()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	payload[5] = '9'

	got, _, err := store.Read(ctx, "ns", "k")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got.Payload) != `{"v":1}` {
		t.Fatalf("stored payload mutated by caller: %s", got.Payload)
	}
}

func newMiniredisStore(t *testing.T) (*miniredis.Miniredis, Store) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	store, err := NewValkeyStore(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("valkey store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return server, store
}

func TestValkeyStoreRoundTrip(t *testing.T) {
	server, store := newMiniredisStore(t)
	ctx := context.Background()

	cachedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := Entry{Payload: json.RawMessage(`{"n":7}`), CachedAt: cachedAt}
	if err := store.Write(ctx, "scores", "game1", entry); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, found, err := store.Read(ctx, "scores", "game1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !found {
		t.Fatalf("expected hit")
	}
	if string(got.Payload) != `{"n":7}` || !got.CachedAt.Equal(cachedAt) {
		t.Fatalf("unexpected entry: %#v", got)
	}

	// Durable records carry no expiry: nothing ages out of the store.
	if ttl := server.TTL("cct:entry:scores:game1"); ttl != 0 {
		t.Fatalf("expected no ttl on durable record, got %s", ttl)
	}

	if err := store.Delete(ctx, "scores", "game1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.Read(ctx, "scores", "game1"); found {
		t.Fatalf("expected delete to remove entry")
	}
}

func TestValkeyStoreMissIsNotAnError(t *testing.T) {
	_, store := newMiniredisStore(t)
	_, found, err := store.Read(context.Background(), "ns", "absent")
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if found {
		t.Fatalf("expected miss")
	}
}

func TestValkeyStoreUndecodableRecordStaysPut(t *testing.T) {
	server, store := newMiniredisStore(t)
	ctx := context.Background()

	if err := server.Set("cct:entry:ns:bad", "not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, found, err := store.Read(ctx, "ns", "bad")
	if found {
		t.Fatalf("undecodable record must read as a miss")
	}
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}

	// The corrupt record is left in place for a later write to repair.
	if !server.Exists("cct:entry:ns:bad") {
		t.Fatalf("decode failure must not delete the record")
	}
}

func TestValkeyStoreKeyPrefix(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	store, err := NewValkeyStore(ValkeyConfig{Address: server.Addr(), KeyPrefix: "custom:"})
	if err != nil {
		t.Fatalf("valkey store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	if err := store.Write(context.Background(), "ns", "k", Entry{Payload: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !server.Exists("custom:ns:k") {
		t.Fatalf("expected configured key prefix to be used")
	}
}
