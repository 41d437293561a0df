package redis_db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected *redis.Options
		wantErr  bool
	}{
		{
			name: "simple docker style",
			url:  "redis:6379",
			expected: &redis.Options{
				Addr: "redis:6379",
			},
			wantErr: false,
		},
		{
			name: "redis url with password",
			url:  "redis://:password123@localhost:6379",
			expected: &redis.Options{
				Addr:     "localhost:6379",
				Password: "password123",
			},
			wantErr: false,
		},
		{
			name: "azure redis url",
			url:  "myinstance.redis.cache.windows.net:6380",
			expected: &redis.Options{
				Addr: "myinstance.redis.cache.windows.net:6380",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected.Addr, got.Addr)
			assert.Equal(t, tt.expected.Password, got.Password)
		})
	}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	t.Run("empty addresses", func(t *testing.T) {
		_, err := NewRedisClient([]string{})
		assert.Error(t, err)
	})

	t.Run("single address", func(t *testing.T) {
		client, err := NewRedisClient([]string{mr.Addr()})
		assert.NoError(t, err)
		assert.NotNil(t, client)
		assert.NotNil(t, client.Client())
	})

	t.Run("unreachable address", func(t *testing.T) {
		_, err := NewRedisClient([]string{"localhost:1"})
		assert.Error(t, err, "ping must fail fast on a dead instance")
	})
}

func TestRedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient([]string{mr.Addr()})
	assert.NoError(t, err)

	ctx := context.Background()
	err = client.Client().Set(ctx, "test_key", "test_value", time.Minute).Err()
	assert.NoError(t, err)

	got, err := client.Client().Get(ctx, "test_key").Result()
	assert.NoError(t, err)
	assert.Equal(t, "test_value", got)

	err = client.Client().Del(ctx, "test_key").Err()
	assert.NoError(t, err)

	_, err = client.Client().Get(ctx, "test_key").Result()
	assert.Equal(t, redis.Nil, err)
}
