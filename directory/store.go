package directory

import (
	"context"
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/natsclient"
)

// Directory is the key/value surface sites bootstrap through. The protocol
// Client, the in-process stores and the server all speak it.
type Directory interface {
	Put(ctx context.Context, key, value string) error
	Lookup(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

// Store is a Directory that owns its storage
type Store interface {
	Directory
	Close() error
}

// MemoryStore keeps entries in a sharded concurrent map. Operations on one
// key are serialized by the shard lock.
type MemoryStore struct {
	entries cmap.ConcurrentMap[string, string]
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: cmap.New[string]()}
}

func (s *MemoryStore) check(method string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.WrapTransient(errors.ErrDirectoryClosed, "MemoryStore", method, "closed check")
	}
	return nil
}

// Put stores value under key, replacing any previous value
func (s *MemoryStore) Put(_ context.Context, key, value string) error {
	if err := s.check("Put"); err != nil {
		return err
	}
	s.entries.Set(key, value)
	return nil
}

// Lookup returns the value under key
func (s *MemoryStore) Lookup(_ context.Context, key string) (string, error) {
	if err := s.check("Lookup"); err != nil {
		return "", err
	}
	v, ok := s.entries.Get(key)
	if !ok {
		return "", notFound("MemoryStore", key)
	}
	return v, nil
}

// Remove deletes key. Removing an absent key succeeds.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	if err := s.check("Remove"); err != nil {
		return err
	}
	s.entries.Remove(key)
	return nil
}

// Len returns the number of entries
func (s *MemoryStore) Len() int {
	return s.entries.Count()
}

// Close makes every later operation fail
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// KVStore keeps entries in a NATS JetStream KV bucket, so a directory
// survives a restart of the process serving it.
type KVStore struct {
	kv *natsclient.KVStore
}

// DefaultBucket is the KV bucket used when none is configured
const DefaultBucket = "cvm-directory"

// NewKVStore opens (creating when needed) the bucket behind a directory
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	b, err := client.CreateKeyValueBucket(ctx, natsclient.BucketConfig(bucket, "cvm bootstrap directory"))
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"KVStore", "NewKVStore", fmt.Sprintf("open bucket %s", bucket))
	}
	return &KVStore{kv: client.NewKVStore(b)}, nil
}

// Put stores value under key
func (s *KVStore) Put(ctx context.Context, key, value string) error {
	return s.kv.Put(ctx, key, []byte(value))
}

// Lookup returns the value under key
func (s *KVStore) Lookup(ctx context.Context, key string) (string, error) {
	v, err := s.kv.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return "", notFound("KVStore", key)
		}
		return "", err
	}
	return string(v), nil
}

// Remove deletes key
func (s *KVStore) Remove(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// Close is a no-op; the NATS client is owned by the caller
func (s *KVStore) Close() error {
	return nil
}

func notFound(component, key string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrKeyNotFound, key), component, "Lookup", "key lookup")
}

// SiteKey is the well-known key a site publishes its entry point under
func SiteKey(session, site string) string {
	return fmt.Sprintf("site/%s/%s", session, site)
}

// BarrierKey marks a site's arrival at a phase of an epoch
func BarrierKey(session, epoch, phase, site string) string {
	return fmt.Sprintf("barrier/%s/%s/%s/%s", session, epoch, phase, site)
}

// EpochKey names the current barrier epoch of a session
func EpochKey(session string) string {
	return "epoch/" + session
}

// JoinKey holds the nonce a site joins the next epoch with
func JoinKey(session, site string) string {
	return fmt.Sprintf("join/%s/%s", session, site)
}
