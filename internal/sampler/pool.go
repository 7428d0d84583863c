package sampler

import (
	"context"

	"alphaflow/internal/chain"
	"alphaflow/logger"
)

// clientPool hands out chain connections to snapshot workers. Each worker
// slot gets its own dialed connection so one stalled RPC channel never
// serializes the others; when a dial fails the slot falls back to the
// shared primary connection.
type clientPool struct {
	slots   chan chain.Client
	owned   []chain.Client
	primary chain.Client
}

func newClientPool(ctx context.Context, dial chain.Dialer, primary chain.Client, size int, log *logger.Entry) *clientPool {
	p := &clientPool{
		slots:   make(chan chain.Client, size),
		primary: primary,
	}
	for i := 0; i < size; i++ {
		if dial == nil {
			p.slots <- primary
			continue
		}
		client, err := dial(ctx)
		if err != nil {
			log.WithError(err).Warn("worker connection dial failed; reusing primary connection")
			p.slots <- primary
			continue
		}
		p.owned = append(p.owned, client)
		p.slots <- client
	}
	return p
}

func (p *clientPool) acquire() chain.Client {
	return <-p.slots
}

func (p *clientPool) release(c chain.Client) {
	p.slots <- c
}

func (p *clientPool) closeAll() {
	for _, c := range p.owned {
		_ = c.Close()
	}
}
