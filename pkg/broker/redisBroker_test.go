package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/bookfinder/pkg/config"
)

func TestEncodeEnvelope(t *testing.T) {
	frame, err := encodeEnvelope("book.upserted", []byte(`{"slug":"dune"}`), map[string]string{"content-type": "application/json"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, "book.upserted", env.Topic)
	assert.JSONEq(t, `{"slug":"dune"}`, string(env.Payload))
	assert.Equal(t, "application/json", env.Headers["content-type"])
}

func TestEncodeEnvelope_NonJSONPayloadIsQuoted(t *testing.T) {
	frame, err := encodeEnvelope("raw", []byte("plain text"), nil)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, `"plain text"`, string(env.Payload))
}

func TestRedisBroker_ChannelPrefix(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	assert.Equal(t, "bookfinder:search.realtime", newRedisBroker(client, "").channel("search.realtime"))
	assert.Equal(t, "books.search.realtime", newRedisBroker(client, "books.").channel("search.realtime"))
}

func TestRedisBroker_PublishErrorIsReturned(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	b := newRedisBroker(client, "")
	defer b.Close()

	err := b.Publish(context.Background(), "book.upserted", []byte(`{}`), nil)
	assert.Error(t, err)
}

func TestNewRedisBroker_BadURL(t *testing.T) {
	_, err := NewRedisBroker(context.Background(), &config.BrokerSettings{Type: "redis", URL: "://nope"})
	assert.ErrorContains(t, err, "parse redis url")
}

func TestWithTraceHeaders_CopiesCallerHeaders(t *testing.T) {
	in := map[string]string{"content-type": "application/json"}
	out := withTraceHeaders(context.Background(), in)
	assert.Equal(t, "application/json", out["content-type"])

	out["x"] = "y"
	assert.NotContains(t, in, "x")
}
