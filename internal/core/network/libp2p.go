package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"Assembler-Bus/internal/core/keyexpr"
)

const defaultNamespace = "upbus"

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	// Namespace prefixes the gossip topic names, so unrelated buses can share
	// a swarm.
	Namespace string
	Buffer    int
	Logger    *zap.Logger
}

// Libp2pSession is a Session over gossip-based pubsub. Samples and queries
// are broadcast on shared topics and matched against local declarations on
// each peer; replies travel on the querier's own reply topic.
type Libp2pSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	host host.Host
	ps   *pubsub.PubSub
	r    *router

	dataTopic  string
	queryTopic string
	replyTopic string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   []*pubsub.Subscription

	pendingMu sync.Mutex
	pending   map[string]*pendingGet

	wg sync.WaitGroup
}

func NewLibp2pSession(parent context.Context, opts Libp2pOptions) (*Libp2pSession, error) {
	ctx, cancel := context.WithCancel(parent)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ns := opts.Namespace
	if ns == "" {
		ns = defaultNamespace
	}

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	s := &Libp2pSession{
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(zap.String("peer", h.ID().String())),
		host:       h,
		ps:         ps,
		dataTopic:  ns + "/data",
		queryTopic: ns + "/query",
		replyTopic: replyTopicFor(ns, h.ID().String()),
		topics:     make(map[string]*pubsub.Topic),
		pending:    make(map[string]*pendingGet),
	}
	s.r = newRouter(opts.Buffer, s.logger)

	for topic, handle := range map[string]func(*pubsub.Message){
		s.dataTopic:  s.handleData,
		s.queryTopic: s.handleQuery,
		s.replyTopic: s.handleReply,
	} {
		if err := s.consume(topic, handle); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, logger: s.logger})
		if err := service.Start(); err != nil {
			s.logger.Warn("mdns start error", zap.Error(err))
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		if err := s.Connect(ctx, raw); err != nil {
			s.logger.Warn("bootstrap connect failed", zap.String("addr", raw), zap.Error(err))
		}
	}

	return s, nil
}

func replyTopicFor(ns, peerID string) string {
	return ns + "/reply/" + peerID
}

// Connect dials a peer given its full /p2p multiaddr.
func (s *Libp2pSession) Connect(ctx context.Context, raw string) error {
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return fmt.Errorf("parse addr %q: %w", raw, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("parse peer info %q: %w", raw, err)
	}
	if err := s.host.Connect(ctx, *info); err != nil {
		return err
	}
	s.logger.Info("connected peer", zap.String("remote", info.ID.String()), zap.Int("peers", len(s.ConnectedPeers())))
	return nil
}

func (s *Libp2pSession) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	if err := keyexpr.Validate(key); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	b, err := marshalEnvelope(sampleEnvelope(Sample{
		Key:        key,
		Payload:    payload,
		Encoding:   opts.Encoding,
		Attachment: opts.Attachment,
		Priority:   opts.Priority,
	}))
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	return s.publish(ctx, s.dataTopic, b)
}

func (s *Libp2pSession) Get(ctx context.Context, key string, opts GetOptions) (<-chan Reply, error) {
	if err := keyexpr.Validate(key); err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	id := uuid.NewString()
	b, err := marshalEnvelope(envelope{
		Key:        key,
		Payload:    opts.Payload,
		HasPayload: opts.Payload != nil,
		Encoding:   string(opts.Encoding),
		Attachment: opts.Attachment,
		QueryID:    id,
		ReplyTo:    s.replyTopic,
		Target:     int(opts.Target),
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	p := newPendingGet(ctx, opts.timeout(), s.r.buffer, -1, func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	})
	s.pendingMu.Lock()
	s.pending[id] = p
	s.pendingMu.Unlock()

	if err := s.publish(ctx, s.queryTopic, b); err != nil {
		p.finish()
		return nil, err
	}
	return p.ch, nil
}

func (s *Libp2pSession) DeclareSubscriber(key string, handler func(Sample)) (Subscriber, error) {
	return s.r.declareSubscriber(key, handler)
}

func (s *Libp2pSession) DeclareQueryable(key string, handler func(*Query)) (Queryable, error) {
	return s.r.declareQueryable(key, handler)
}

func (s *Libp2pSession) Close() error {
	s.cancel()
	s.r.close()
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	for name, t := range s.topics {
		_ = t.Close()
		delete(s.topics, name)
	}
	s.mu.Unlock()
	return s.host.Close()
}

// PeerID is the libp2p identity of the local host.
func (s *Libp2pSession) PeerID() string {
	return s.host.ID().String()
}

func (s *Libp2pSession) ListenAddrs() []string {
	out := make([]string, 0, len(s.host.Addrs()))
	for _, addr := range s.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), s.host.ID().String()))
	}
	return out
}

// ConnectedPeers lists the peers with an open connection, whether or not they
// joined the bus topics.
func (s *Libp2pSession) ConnectedPeers() []string {
	peers := s.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

// BusPeers lists the peers known to take part in both the data and the query
// exchange.
func (s *Libp2pSession) BusPeers() []string {
	data, err := s.getOrJoinTopic(s.dataTopic)
	if err != nil {
		return nil
	}
	query, err := s.getOrJoinTopic(s.queryTopic)
	if err != nil {
		return nil
	}
	inQuery := make(map[peer.ID]struct{})
	for _, pid := range query.ListPeers() {
		inQuery[pid] = struct{}{}
	}
	var out []string
	for _, pid := range data.ListPeers() {
		if _, ok := inQuery[pid]; ok {
			out = append(out, pid.String())
		}
	}
	return out
}

func (s *Libp2pSession) consume(topic string, handle func(*pubsub.Message)) error {
	t, err := s.getOrJoinTopic(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			msg, err := sub.Next(s.ctx)
			if err != nil {
				return
			}
			handle(msg)
		}
	}()
	return nil
}

func (s *Libp2pSession) handleData(msg *pubsub.Message) {
	e, err := unmarshalEnvelope(msg.Data)
	if err != nil {
		s.logger.Debug("discarding malformed sample", zap.Error(err))
		return
	}
	s.r.routeSample(e.sample())
}

func (s *Libp2pSession) handleQuery(msg *pubsub.Message) {
	e, err := unmarshalEnvelope(msg.Data)
	if err != nil || e.QueryID == "" || e.ReplyTo == "" {
		s.logger.Debug("discarding malformed query", zap.Error(err))
		return
	}
	s.r.routeQuery(e.Key, QueryTarget(e.Target), func() *Query {
		return &Query{
			key:        e.Key,
			payload:    e.Payload,
			hasPayload: e.HasPayload,
			encoding:   Encoding(e.Encoding),
			attachment: e.Attachment,
			reply: func(r Reply) error {
				return s.sendReply(e.ReplyTo, e.QueryID, r)
			},
		}
	})
}

func (s *Libp2pSession) sendReply(topic, queryID string, r Reply) error {
	out := sampleEnvelope(r.Sample)
	out.QueryID = queryID
	if r.Err != nil {
		out = envelope{QueryID: queryID, Err: r.Err.Error()}
	}
	b, err := marshalEnvelope(out)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return s.publish(s.ctx, topic, b)
}

func (s *Libp2pSession) handleReply(msg *pubsub.Message) {
	e, err := unmarshalEnvelope(msg.Data)
	if err != nil {
		s.logger.Debug("discarding malformed reply", zap.Error(err))
		return
	}
	s.pendingMu.Lock()
	p, ok := s.pending[e.QueryID]
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	r := Reply{Sample: e.sample()}
	if e.Err != "" {
		r = Reply{Err: fmt.Errorf("%w: %s", ErrRemoteReply, e.Err)}
	}
	if err := p.deliver(r, true); err != nil && !errors.Is(err, ErrQueryClosed) {
		s.logger.Warn("reply not delivered", zap.String("query", e.QueryID), zap.Error(err))
	}
}

func (s *Libp2pSession) publish(ctx context.Context, topic string, b []byte) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	t, err := s.getOrJoinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, b)
}

func (s *Libp2pSession) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[name]; ok {
		return t, nil
	}
	t, err := s.ps.Join(name)
	if err != nil {
		return nil, err
	}
	s.topics[name] = t
	return t, nil
}

type mdnsNotifee struct {
	host   host.Host
	logger *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.logger.Warn("mdns connect failed", zap.String("remote", info.ID.String()), zap.Error(err))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
