package broker

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/zoff-tech/bookfinder/pkg/config"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	return &pubSubBroker{client: client, prefix: settings.ChannelPrefix, topics: make(map[string]*pubsub.Topic)}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
	prefix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// topic reuses one handle per topic so its publish batching survives between calls.
func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(p.prefix + name)
		p.topics[name] = t
	}
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	ctx, span := startPublishSpan(ctx, "pubsub", p.prefix+topic)
	defer span.End()

	res := p.topic(topic).Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: withTraceHeaders(ctx, headers),
	})
	_, err := res.Get(ctx) // wait for server ack
	return finishPublish(span, "pubsub", len(payload), err)
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
