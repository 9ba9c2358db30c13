package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis is an in-memory RedisServiceInterface
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) GenerateKey(keyType redis.KeyType, identifier string) string {
	return string(keyType) + ":" + identifier + ":"
}

func (f *fakeRedis) GetValue(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", redis.ErrKeyNotExist
	}
	return v, nil
}

func (f *fakeRedis) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeRedis) DelValue(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	delete(f.ttls, key)
	return nil
}

func (f *fakeRedis) ScanKeys(ctx context.Context, keyType redis.KeyType) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, string(keyType)+":") {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) error {
	return nil
}

func (f *fakeRedis) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	return nil
}

func TestRedisStore_SetsTTLToMaxAge(t *testing.T) {
	fake := newFakeRedis()
	s := NewRedisStore(fake, maxAge)

	require.NoError(t, s.Put(context.Background(), &domain.CallConfig{CallSID: "CA1", AgentID: "A"}))

	key := fake.GenerateKey(redis.CALL_CONFIG, "CA1")
	assert.Equal(t, maxAge, fake.ttls[key])
	assert.Contains(t, fake.data[key], `"agent_id":"A"`)
}

func TestRedisStore_SkipsCorruptEntries(t *testing.T) {
	fake := newFakeRedis()
	s := NewRedisStore(fake, maxAge)
	ctx := context.Background()

	require.NoError(t, fake.SetValue(ctx, fake.GenerateKey(redis.CALL_CONFIG, "bad"), "{not json", 0))
	require.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: "CA1", AgentID: "A", ToNumber: "+1555"}))

	got, ok, err := s.FindByDestination(ctx, "+1555")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "CA1", got.CallSID)

	_, _, err = s.Get(ctx, "bad")
	require.Error(t, err)
}
