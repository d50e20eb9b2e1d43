package wire

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

// NodeID identifies a cluster node.
type NodeID int

// ChannelProvider resolves the outbound channels of the cluster's nodes.
type ChannelProvider interface {
	// AllOtherNodeChannels returns a channel for every node except the local one.
	AllOtherNodeChannels() map[NodeID]ManagedOutboundChannel
	// ChannelFor returns the channel to id, or nil if the node is unknown.
	ChannelFor(id NodeID) ManagedOutboundChannel
	// ChannelsFor returns the channels of the known nodes among ids.
	ChannelsFor(ids []NodeID) map[NodeID]ManagedOutboundChannel
	// Close closes and forgets the channel to id.
	Close(id NodeID)
	// CloseAll closes every channel.
	CloseAll()
}

// StaticChannelProvider is a ChannelProvider over a fixed node address table.
// Channels are created on first use.
type StaticChannelProvider struct {
	localID   NodeID
	addresses map[NodeID]string
	opts      []Option

	mu       sync.Mutex
	channels map[NodeID]ManagedOutboundChannel
}

var _ ChannelProvider = (*StaticChannelProvider)(nil)

// NewStaticChannelProvider returns a provider for addresses. The entry for
// localID, if any, is never dialed.
func NewStaticChannelProvider(localID NodeID, addresses map[NodeID]string, opts ...Option) *StaticChannelProvider {
	table := make(map[NodeID]string, len(addresses))
	for id, address := range addresses {
		table[id] = address
	}
	return &StaticChannelProvider{
		localID:   localID,
		addresses: table,
		opts:      opts,
		channels:  make(map[NodeID]ManagedOutboundChannel),
	}
}

// NodeIDs returns the ids of every other node in ascending order.
func (p *StaticChannelProvider) NodeIDs() []NodeID {
	ids := maps.Keys(p.addresses)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := ids[:0]
	for _, id := range ids {
		if id != p.localID {
			out = append(out, id)
		}
	}
	return out
}

func (p *StaticChannelProvider) AllOtherNodeChannels() map[NodeID]ManagedOutboundChannel {
	return p.ChannelsFor(p.NodeIDs())
}

func (p *StaticChannelProvider) ChannelFor(id NodeID) ManagedOutboundChannel {
	if id == p.localID {
		return nil
	}
	address, ok := p.addresses[id]
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	channel, ok := p.channels[id]
	if !ok {
		channel = NewOutboundChannel(address, p.opts...)
		p.channels[id] = channel
	}
	return channel
}

func (p *StaticChannelProvider) ChannelsFor(ids []NodeID) map[NodeID]ManagedOutboundChannel {
	out := make(map[NodeID]ManagedOutboundChannel, len(ids))
	for _, id := range ids {
		if channel := p.ChannelFor(id); channel != nil {
			out[id] = channel
		}
	}
	return out
}

func (p *StaticChannelProvider) Close(id NodeID) {
	p.mu.Lock()
	channel, ok := p.channels[id]
	delete(p.channels, id)
	p.mu.Unlock()

	if ok {
		_ = channel.Close()
	}
}

func (p *StaticChannelProvider) CloseAll() {
	p.mu.Lock()
	channels := p.channels
	p.channels = make(map[NodeID]ManagedOutboundChannel)
	p.mu.Unlock()

	for _, channel := range channels {
		_ = channel.Close()
	}
}

// Outbound sends messages to other nodes through a ChannelProvider.
// A message is framed once into a pooled buffer and written to every
// destination concurrently; destinations fail independently.
type Outbound struct {
	provider  ChannelProvider
	pool      *ByteBufferPool
	logger    Logger
	maxLength int
}

// NewOutbound returns an Outbound framing into buffers from pool.
func NewOutbound(provider ChannelProvider, pool *ByteBufferPool, opt ...Option) *Outbound {
	opts := newOptions(append([]Option{SharedPoolOption(pool)}, opt...)...)
	return &Outbound{
		provider:  provider,
		pool:      opts.bufferPool(),
		logger:    opts.logger,
		maxLength: opts.maxReadLength,
	}
}

// Broadcast writes m to every other node. It returns once every write has
// been attempted; the result holds the error of each failed destination
// and is empty when all succeeded.
func (o *Outbound) Broadcast(ctx context.Context, m RawMessage) (map[NodeID]error, error) {
	return o.broadcast(ctx, o.provider.AllOtherNodeChannels(), m)
}

// BroadcastTo writes m to the given nodes. Unknown nodes are reported with ErrUnknownNode.
func (o *Outbound) BroadcastTo(ctx context.Context, ids []NodeID, m RawMessage) (map[NodeID]error, error) {
	channels := o.provider.ChannelsFor(ids)
	failures, err := o.broadcast(ctx, channels, m)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := channels[id]; !ok {
			failures[id] = errors.Wrapf(ErrUnknownNode, "node %d", id)
		}
	}
	return failures, nil
}

// SendTo writes m to one node.
func (o *Outbound) SendTo(ctx context.Context, id NodeID, m RawMessage) error {
	channel := o.provider.ChannelFor(id)
	if channel == nil {
		return errors.Wrapf(ErrUnknownNode, "node %d", id)
	}

	data, release, err := o.frame(ctx, m)
	if err != nil {
		return err
	}
	defer release()

	if err := channel.Write(data); err != nil {
		return errors.Wrapf(err, "send to node %d", id)
	}
	return nil
}

// Open returns the channel to id, creating it if needed.
func (o *Outbound) Open(id NodeID) (ManagedOutboundChannel, error) {
	channel := o.provider.ChannelFor(id)
	if channel == nil {
		return nil, errors.Wrapf(ErrUnknownNode, "node %d", id)
	}
	return channel, nil
}

// Close closes the channel to id.
func (o *Outbound) Close(id NodeID) {
	o.provider.Close(id)
}

// CloseAll closes every channel.
func (o *Outbound) CloseAll() {
	o.provider.CloseAll()
}

// broadcast returns an error only when m cannot be framed; per destination
// failures are collected and never stop the other writes.
func (o *Outbound) broadcast(ctx context.Context, channels map[NodeID]ManagedOutboundChannel, m RawMessage) (map[NodeID]error, error) {
	data, release, err := o.frame(ctx, m)
	if err != nil {
		return nil, err
	}
	defer release()

	failures := make(map[NodeID]error)
	var mu sync.Mutex

	var group errgroup.Group
	for id, channel := range channels {
		group.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = channel.Write(data)
			}
			if err != nil {
				o.logger.Warn("broadcast write failed", "node", id, "error", err)
				mu.Lock()
				failures[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	return failures, nil
}

// frame encodes m once. Frames that fit a pooled buffer are built in one and
// release returns it; larger frames up to the maximum message size get a
// dedicated slice.
func (o *Outbound) frame(ctx context.Context, m RawMessage) ([]byte, func(), error) {
	if m.Length() > o.maxLength {
		return nil, nil, errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes exceeds %d", m.Length(), o.maxLength)
	}
	if m.FrameSize() > o.pool.BufferSize() {
		return m.AppendTo(make([]byte, 0, m.FrameSize())), func() {}, nil
	}

	buffer, err := o.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := m.PutTo(buffer); err != nil {
		buffer.Release()
		return nil, nil, err
	}
	return buffer.Flip().Bytes(), buffer.Release, nil
}
