package settlement_test

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
)

type published struct {
	topic string
	key   []byte
	env   orders.Envelope
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, key []byte, env orders.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, key: key, env: env})
	return nil
}

func (p *recordingPublisher) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sent) == 0 {
		return published{}
	}
	return p.sent[len(p.sent)-1]
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.sent))
	for _, m := range p.sent {
		out = append(out, m.env.EventType)
	}
	return out
}

// recordingCache never caches; it always loads and records invalidations.
type recordingCache struct {
	mu          sync.Mutex
	invalidated []int64
	err         error
}

func (c *recordingCache) Sellable(ctx context.Context, _ int64, load func(ctx context.Context) (int, error)) (int, error) {
	return load(ctx)
}

func (c *recordingCache) Invalidate(_ context.Context, variantIDs ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	c.invalidated = append(c.invalidated, variantIDs...)
	return nil
}

func (c *recordingCache) invalidatedSince(mark int) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]int64(nil), c.invalidated[mark:]...)
}
