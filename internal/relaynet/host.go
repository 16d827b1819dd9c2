// Package relaynet wraps a libp2p host.Host, Kademlia DHT, and
// GossipSub as the node's peer-discovery and first-pass fan-out layer
// ahead of RelayFSM's deterministic per-peer download negotiation
// (domain-stack §2.1): a GossipSub topic per tag-class carries
// CC_MSG_HAVE_* announcements, while the DHT and mDNS discover peers
// to connect to at all. Grounded on the teacher's internal/node/node.go
// host assembly, trimmed of the swap-specific direct-messaging layer
// (stream handler, message sender, retry worker, peer monitor) since
// this project's direct per-peer traffic goes over internal/netconn,
// not libp2p streams.
package relaynet

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/credacash/ccnode/internal/config"
	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/pkg/logging"
)

// Host is the node's libp2p transport and tag-class gossip layer.
type Host struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	config *config.Config
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription

	onPeerConnected    func(peer.ID)
	onPeerDisconnected func(peer.ID)

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu sync.RWMutex
}

// New assembles a libp2p host, optionally a Kademlia DHT and mDNS
// discovery, and a GossipSub router, per cfg.Network.
func New(ctx context.Context, cfg *config.Config) (*Host, error) {
	ctx, cancel := context.WithCancel(ctx)

	h := &Host{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("relaynet"),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}

	privKey, err := h.loadOrCreateKey()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relaynet: load/create identity key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.ListenAddrs))
	for _, addr := range cfg.Network.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("relaynet: invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.Network.ConnMgr.LowWater,
		cfg.Network.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.Network.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relaynet: create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.Network.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if cfg.Network.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.Network.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	lh, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relaynet: create libp2p host: %w", err)
	}
	h.host = lh

	lh.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			h.mu.RLock()
			cb := h.onPeerConnected
			h.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			h.mu.RLock()
			cb := h.onPeerDisconnected
			h.mu.RUnlock()
			if cb != nil {
				go cb(conn.RemotePeer())
			}
		},
	})

	if cfg.Network.EnableDHT {
		if err := h.initDHT(ctx); err != nil {
			lh.Close()
			cancel()
			return nil, fmt.Errorf("relaynet: initialize DHT: %w", err)
		}
	}

	if err := h.initPubSub(ctx); err != nil {
		lh.Close()
		cancel()
		return nil, fmt.Errorf("relaynet: initialize pubsub: %w", err)
	}

	if cfg.Network.EnableMDNS {
		if err := h.initMDNS(); err != nil {
			h.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	return h, nil
}

func (h *Host) loadOrCreateKey() (crypto.PrivKey, error) {
	keyPath := h.config.Identity.KeyFile
	if !filepath.IsAbs(keyPath) {
		dataDir := config.ExpandPath(h.config.Storage.DataDir)
		keyPath = filepath.Join(dataDir, keyPath)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}

	h.log.Info("generated new node identity")
	return privKey, nil
}

func (h *Host) initDHT(ctx context.Context) error {
	var err error
	h.dht, err = dht.New(ctx, h.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(h.config.DHTPrefix())),
	)
	if err != nil {
		return err
	}
	if err := h.dht.Bootstrap(ctx); err != nil {
		return err
	}
	h.routingDisc = drouting.NewRoutingDiscovery(h.dht)
	return nil
}

func (h *Host) initPubSub(ctx context.Context) error {
	var err error
	h.pubsub, err = pubsub.NewGossipSub(ctx, h.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	return err
}

func (h *Host) initMDNS() error {
	h.mdnsService = mdns.NewMdnsService(h.host, h.config.DiscoveryNamespace(), h)
	return h.mdnsService.Start()
}

// HandlePeerFound implements mdns.Notifee.
func (h *Host) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == h.host.ID() {
		return
	}
	h.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)

	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
		defer cancel()
		if err := h.host.Connect(ctx, pi); err != nil {
			h.log.Debug("failed to connect to mDNS peer", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// Start connects to configured bootstrap peers and, if the DHT is
// enabled, advertises this node and begins periodic peer discovery.
func (h *Host) Start() error {
	h.startTime = time.Now()

	for _, addrStr := range h.config.Network.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			h.log.Warn("invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			h.log.Warn("invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(h.ctx, 30*time.Second)
			defer cancel()
			if err := h.host.Connect(ctx, pi); err != nil {
				h.log.Warn("failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
			} else {
				h.log.Info("connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	if h.routingDisc != nil {
		go dutil.Advertise(h.ctx, h.routingDisc, h.config.DiscoveryNamespace())
		go h.discoverPeers()
	}

	return nil
}

func (h *Host) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(h.ctx, h.routingDisc, h.config.DiscoveryNamespace())
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == h.host.ID() {
					continue
				}
				if h.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
					defer cancel()
					h.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// Stop tears down every subscription/topic and closes the host.
func (h *Host) Stop() error {
	h.cancel()

	h.topicsMu.Lock()
	for name, sub := range h.subs {
		sub.Cancel()
		delete(h.subs, name)
	}
	for name, topic := range h.topics {
		topic.Close()
		delete(h.topics, name)
	}
	h.topicsMu.Unlock()

	if h.mdnsService != nil {
		h.mdnsService.Close()
	}
	if h.dht != nil {
		h.dht.Close()
	}
	return h.host.Close()
}

func (h *Host) ID() peer.ID                { return h.host.ID() }
func (h *Host) Addrs() []multiaddr.Multiaddr { return h.host.Addrs() }
func (h *Host) Host() host.Host            { return h.host }
func (h *Host) DHT() *dht.IpfsDHT          { return h.dht }
func (h *Host) PubSub() *pubsub.PubSub     { return h.pubsub }
func (h *Host) Peers() []peer.ID           { return h.host.Network().Peers() }
func (h *Host) PeerCount() int             { return len(h.host.Network().Peers()) }
func (h *Host) Uptime() time.Duration      { return time.Since(h.startTime) }

func (h *Host) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return h.host.Connect(ctx, pi)
}

// OnPeerConnected sets a callback invoked (on its own goroutine) when a
// new libp2p connection is established.
func (h *Host) OnPeerConnected(cb func(peer.ID)) {
	h.mu.Lock()
	h.onPeerConnected = cb
	h.mu.Unlock()
}

// OnPeerDisconnected sets a callback invoked when a libp2p connection closes.
func (h *Host) OnPeerDisconnected(cb func(peer.ID)) {
	h.mu.Lock()
	h.onPeerDisconnected = cb
	h.mu.Unlock()
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// tagClassTopic maps an object.Tag to the name of the gossip topic its
// CC_MSG_HAVE_* announcement fans out on: one topic per tag-class,
// mirroring spec's CC_TAG_TX/CC_TAG_BLOCK/CC_TAG_XCX_* grouping.
func tagClassTopic(tag object.Tag) string {
	if tag.IsBlock() {
		return "block"
	}
	switch tag {
	case object.TagXcxSimpleBuy, object.TagXcxSimpleSell, object.TagXcxSimpleTrade,
		object.TagXcxNakedBuy, object.TagXcxNakedSell, object.TagXcxPayment:
		return "xreq"
	default:
		return "tx"
	}
}
