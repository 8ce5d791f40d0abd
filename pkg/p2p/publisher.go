// Package p2p broadcasts committed marketplace events to off-ledger
// indexers over libp2p gossipsub. The publisher is write-only: nothing
// received from the network ever reaches the marketplace core.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/dappnorth/nftmarketd/pkg/events"
)

const TopicEvents = "nftmarket.events.v1"

type Config struct {
	ListenAddr string   // multiaddr, e.g. /ip4/0.0.0.0/tcp/9000
	Bootstrap  []string // peers to dial at startup
	Logger     *zap.SugaredLogger
}

// Publisher owns a libp2p host and the event topic.
type Publisher struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	log   *zap.SugaredLogger
}

func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen multiaddr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	topic, err := ps.Join(TopicEvents)
	if err != nil {
		h.Close()
		return nil, err
	}

	p := &Publisher{h: h, ps: ps, topic: topic, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if cfg.Logger != nil {
		cfg.Logger.Infow("p2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", TopicEvents)
	}
	return p, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// Publish gossips one committed event as JSON.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.topic.Publish(ctx, data); err != nil {
		return err
	}
	if p.log != nil {
		p.log.Debugw("event_published", "type", ev.Type, "height", ev.Height, "seq", ev.Seq)
	}
	return nil
}

// PublishAll gossips a block's events in order. Publish errors are logged
// and skipped; gossip is best-effort, the pebble event log is the durable
// record.
func (p *Publisher) PublishAll(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		if err := p.Publish(ctx, ev); err != nil && p.log != nil {
			p.log.Warnw("event_publish_failed", "type", ev.Type, "height", ev.Height, "err", err)
		}
	}
}

func (p *Publisher) Close() error { return p.h.Close() }
