// Package main provides ccnoded - the node's validation and
// propagation pipeline daemon: stores, pipeline glue, gossip fan-out,
// and the query RPC surface, wired together the way the teacher's
// cmd/klingond/main.go wires its own subsystems.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/credacash/ccnode/internal/config"
	"github.com/credacash/ccnode/internal/dbutil"
	"github.com/credacash/ccnode/internal/matcher"
	"github.com/credacash/ccnode/internal/netconn"
	"github.com/credacash/ccnode/internal/netsrv"
	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/pendingserials"
	"github.com/credacash/ccnode/internal/pipeline"
	"github.com/credacash/ccnode/internal/processq"
	"github.com/credacash/ccnode/internal/refbuf"
	"github.com/credacash/ccnode/internal/relay"
	"github.com/credacash/ccnode/internal/relayfsm"
	"github.com/credacash/ccnode/internal/relaynet"
	"github.com/credacash/ccnode/internal/rpc"
	"github.com/credacash/ccnode/internal/validstore"
	"github.com/credacash/ccnode/internal/xreq"
	"github.com/credacash/ccnode/pkg/logging"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.ccnode", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "P2P listen address (multiaddr), overrides config")
		rpcAddr     = flag.String("rpc", "", "RPC listen address, overrides config")
		bootstrap   = flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("ccnoded %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = config.LoadConfig(effectiveDataDir)
	}
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	if *rpcAddr != "" {
		cfg.RPC.ListenAddr = *rpcAddr
	}
	if peers := parseBootstrapPeers(*bootstrap); len(peers) > 0 {
		cfg.Network.BootstrapPeers = peers
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Storage.DataDir = effectiveDataDir
	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	} else {
		cfg.NetworkType = config.NetworkMainnet
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(effectiveDataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)

	stores, err := openStores(dataPath, cfg)
	if err != nil {
		log.Fatal("failed to open stores", "error", err)
	}
	defer stores.close()
	log.Info("stores opened", "data_dir", dataPath)

	matcherInst := matcher.New(stores.xreqs, stores.xmatches)
	startMatcherLoop(ctx, matcherInst, cfg.Matcher.PassInterval, log.Component("matcher"))

	fsm := relayfsm.New(stores.relay, stores.valid, log.Component("relayfsm"))
	relayPeers := newPeerRegistry()
	relaySrv, err := startRelayServer(ctx, cfg, fsm, relayPeers, log.Component("netsrv"))
	if err != nil {
		log.Fatal("failed to start relay server", "error", err)
	}
	defer relaySrv.Stop()
	startRelayTicker(ctx, fsm, relayPeers, cfg.Relay, log.Component("relayfsm"))

	netHost, err := relaynet.New(ctx, cfg)
	if err != nil {
		log.Fatal("failed to create p2p host", "error", err)
	}
	if err := netHost.Start(); err != nil {
		log.Fatal("failed to start p2p host", "error", err)
	}
	defer netHost.Stop()

	// pl and rpcServer each need to call into the other (pl announces
	// validated objects over rpcServer's websocket hub; rpcServer submits
	// incoming tx/xreq bodies into pl), so rpcServer is built first with
	// its submit closure capturing pl by reference through submitFn.
	var pl *pipeline.Pipeline
	submitFn := func(_ context.Context, tag object.Tag, body []byte) (string, error) {
		return submitObject(pl, tag, body)
	}
	rpcServer := rpc.New(stores.valid, stores.xreqs, stores.xmatches, submitFn, log.Component("rpc"))

	pl = pipeline.New(stores.queues, stores.valid, stores.relay, stubValidator{}, cfg.Pipeline.WorkersPerQueue,
		func(oid object.OID, tag object.Tag) {
			rpcServer.NotifyHave(oid, tag)
			if err := netHost.AnnounceHave(ctx, oid, tag, 0); err != nil {
				log.Debug("failed to gossip have announcement", "oid", oid.String(), "error", err)
			}
		}, log.Component("pipeline"))
	pl.Start(ctx)
	defer pl.Stop()

	for _, class := range []string{"tx", "block", "xreq"} {
		class := class
		if err := netHost.SubscribeHave(ctx, class, func(from peer.ID, ann relaynet.HaveAnnouncement) {
			log.Debug("received have announcement", "class", class, "from", from.String(), "oid", ann.Oid, "tag", ann.Tag)
			if from == netHost.ID() {
				return // ignore our own gossip echo
			}
			oid, err := decodeOidHex(ann.Oid)
			if err != nil {
				log.Debug("failed to decode gossiped oid", "oid", ann.Oid, "error", err)
				return
			}
			advert := relayfsm.HaveAdvert{Oid: oid, Tag: object.Tag(ann.Tag), Size: ann.Size}
			if err := fsm.OnHaveBatch(from.String(), []relayfsm.HaveAdvert{advert}); err != nil {
				log.Warn("failed to record gossiped have announcement", "oid", ann.Oid, "error", err)
			}
		}); err != nil {
			log.Warn("failed to subscribe to gossip topic", "class", class, "error", err)
		}
	}

	if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
		log.Fatal("failed to start rpc server", "error", err)
	}
	defer rpcServer.Stop()

	printBanner(log, netHost, cfg, cfg.RPC.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigCh
	log.Info("shutting down...")
}

// stubValidator stands in for the excluded zero-knowledge proof
// verifier (non-goal): it accepts every object at level 0 with no
// prior and no witness flag, so the rest of the pipeline (ValidStore
// insert, RelayStore status transition, gossip re-announce) can be
// exercised end to end ahead of a real verifier being wired in here.
type stubValidator struct{}

func (stubValidator) Validate(tag object.Tag, body []byte) (*object.OID, int64, bool, error) {
	return nil, 0, false, nil
}

func submitObject(pl *pipeline.Pipeline, tag object.Tag, body []byte) (string, error) {
	oid, err := object.ComputeOID(tag, body)
	if err != nil {
		return "", fmt.Errorf("compute oid: %w", err)
	}

	full := append(object.EncodeHeader(object.Header{Size: uint32(len(body) + 4), Tag: tag}), body...)
	h := refbuf.Alloc(len(full))
	if !h.IsValid() {
		return "", fmt.Errorf("submit: object too large or empty: %d bytes", len(full))
	}
	copy(h.Data(), full)

	if err := pl.Submit(h, oid, nil, 0, "rpc", 0); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return "OK:" + oid.String(), nil
}

type daemonStores struct {
	relay    *relay.Store
	queues   *processq.Manager
	valid    *validstore.Store
	serials  *pendingserials.Store
	xreqs    *xreq.Store
	xmatches *matcher.XmatchStore

	dbs []io.Closer
}

func (s *daemonStores) close() {
	for i := len(s.dbs) - 1; i >= 0; i-- {
		s.dbs[i].Close()
	}
}

func openStores(dataPath string, cfg *config.Config) (*daemonStores, error) {
	relayDB, err := dbutil.Open(dataPath, cfg.Storage.RelayObjsDB)
	if err != nil {
		return nil, fmt.Errorf("open relay_objs db: %w", err)
	}
	relayStore, err := relay.New(relayDB, logging.GetDefault().Component("relay"))
	if err != nil {
		return nil, fmt.Errorf("init relay store: %w", err)
	}

	processDB, err := dbutil.Open(dataPath, cfg.Storage.ProcessQueueDB)
	if err != nil {
		return nil, fmt.Errorf("open process_q db: %w", err)
	}
	queues, err := processq.NewManager(processDB)
	if err != nil {
		return nil, fmt.Errorf("init process queues: %w", err)
	}

	validDB, err := dbutil.Open(dataPath, cfg.Storage.ValidObjsDB)
	if err != nil {
		return nil, fmt.Errorf("open valid_objs db: %w", err)
	}
	validStore, err := validstore.New(validDB)
	if err != nil {
		return nil, fmt.Errorf("init valid store: %w", err)
	}

	serialsDB, err := dbutil.Open(dataPath, cfg.Storage.TempSerialsDB)
	if err != nil {
		return nil, fmt.Errorf("open temp_serials db: %w", err)
	}
	serials, err := pendingserials.New(serialsDB)
	if err != nil {
		return nil, fmt.Errorf("init pending serials: %w", err)
	}

	xreqsDB, err := dbutil.Open(dataPath, cfg.Storage.XreqsDB)
	if err != nil {
		return nil, fmt.Errorf("open xreqs db: %w", err)
	}
	xreqs, err := xreq.New(xreqsDB)
	if err != nil {
		return nil, fmt.Errorf("init xreq store: %w", err)
	}
	xmatches, err := matcher.NewXmatchStore(xreqsDB)
	if err != nil {
		return nil, fmt.Errorf("init xmatch store: %w", err)
	}

	return &daemonStores{
		relay:    relayStore,
		queues:   queues,
		valid:    validStore,
		serials:  serials,
		xreqs:    xreqs,
		xmatches: xmatches,
		dbs:      []io.Closer{relayDB, processDB, validDB, serialsDB, xreqsDB},
	}, nil
}

func printBanner(log *logging.Logger, h *relaynet.Host, cfg *config.Config, rpcAddr string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  ccnoded (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", h.ID().String())
	log.Info("  Listening on:")
	for _, addr := range h.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), h.ID().String())
	}
	log.Info("")
	log.Infof("  RPC: http://%s", rpcAddr)
	log.Infof("  Network: %s | mDNS: %v | DHT: %v", networkLabel, cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func decodeOidHex(s string) (object.OID, error) {
	var oid object.OID
	if len(s) != len(oid)*2 {
		return oid, fmt.Errorf("oid must be %d hex characters, got %d", len(oid)*2, len(s))
	}
	for i := range oid {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return oid, fmt.Errorf("invalid oid hex: %w", err)
		}
		oid[i] = b
	}
	return oid, nil
}

// startMatcherLoop drives Matcher.RunPass on a fixed tick, the
// ticker-based caller spec §4.11's matching pass needs until block
// assembly exists to drive passes off of new indelible blocks instead.
// Every pass is run for the canonical (non-witness) visibility set and
// against the full open xreqnum range, since there is no block height
// yet to bound xreqnum visibility by.
func startMatcherLoop(ctx context.Context, m *matcher.Matcher, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var epoch int64
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				epoch++
				confirmed, pending, err := m.RunPass(epoch, now.Unix(), int64(1)<<62, false)
				if err != nil {
					log.Warn("matcher pass failed", "epoch", epoch, "error", err)
					continue
				}
				if len(confirmed) > 0 || len(pending) > 0 {
					log.Info("matcher pass complete", "epoch", epoch, "confirmed", len(confirmed), "pending", len(pending))
				}
			}
		}
	}()
}

// peerRegistry tracks the RelayFSM PeerState and netconn.Connection
// for every currently-connected unicast relay peer, identified by
// remote address.
type peerRegistry struct {
	mu    sync.Mutex
	conns map[string]*netconn.Connection
	state map[string]*relayfsm.PeerState
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{conns: make(map[string]*netconn.Connection), state: make(map[string]*relayfsm.PeerState)}
}

func (r *peerRegistry) register(peerID string, conn *netconn.Connection) *relayfsm.PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[peerID] = conn
	st, ok := r.state[peerID]
	if !ok {
		st = &relayfsm.PeerState{PeerID: peerID}
		r.state[peerID] = st
	}
	return st
}

func (r *peerRegistry) unregister(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, peerID)
}

func (r *peerRegistry) snapshot() []*relayfsm.PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*relayfsm.PeerState, 0, len(r.conns))
	for peerID := range r.conns {
		out = append(out, r.state[peerID])
	}
	return out
}

func (r *peerRegistry) senderFor(peerID string) relayfsm.Sender {
	return func(_ string, msg []byte) error {
		r.mu.Lock()
		conn, ok := r.conns[peerID]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("netsrv: peer %s no longer connected", peerID)
		}
		return conn.WriteAsync(msg)
	}
}

// dispatchRelayFrame routes one complete inbound frame from peerID to
// the matching RelayFSM step per its wire tag: a CC_CMD_SEND_* request
// names objects the peer wants pushed back; a CC_MSG_HAVE_* batch
// records what the peer has; anything else is treated as the body of
// an object the peer is pushing in answer to our own CC_CMD_SEND_*.
func dispatchRelayFrame(fsm *relayfsm.FSM, peerID string, msg []byte, send relayfsm.Sender, log *logging.Logger) error {
	hdr, err := object.DecodeHeader(msg)
	if err != nil {
		return fmt.Errorf("netsrv: decode header: %w", err)
	}
	body := msg[object.HeaderSize:]

	switch hdr.Tag {
	case object.CmdSendBlock, object.CmdSendTx:
		oids, err := relayfsm.DecodeOIDs(body)
		if err != nil {
			return err
		}
		return fsm.OnSendBatch(peerID, oids, send)
	case object.MsgHaveBlock, object.MsgHaveTx:
		adverts, err := relayfsm.DecodeHaveBatch(body, hdr.Tag == object.MsgHaveBlock)
		if err != nil {
			return err
		}
		return fsm.OnHaveBatch(peerID, adverts)
	default:
		oid, err := object.ComputeOID(hdr.Tag, body)
		if err != nil {
			return fmt.Errorf("compute oid for received object: %w", err)
		}
		h := refbuf.Alloc(len(msg))
		if !h.IsValid() {
			return fmt.Errorf("netsrv: received object too large or empty: %d bytes", len(msg))
		}
		copy(h.Data(), msg)
		if err := fsm.OnObjectReceived(h, hdr.Tag, oid, nil, 0, int64(len(body)), false); err != nil {
			return err
		}
		log.Debug("received object from peer", "peer", peerID, "oid", oid.String(), "tag", hdr.Tag)
		return nil
	}
}

// startRelayServer opens the unicast TCP listener the per-peer
// Advertise/DriveDownloads cycle rides on (spec §4.7/§4.8), distinct
// from relaynet's broadcast-only gossip pubsub.
func startRelayServer(ctx context.Context, cfg *config.Config, fsm *relayfsm.FSM, registry *peerRegistry, log *logging.Logger) (*netsrv.Server, error) {
	mgr := netsrv.NewConnectionManager(cfg.Relay.PoolCapacity, cfg.Relay.MaxIncoming,
		netconn.Options{Mode: netconn.HeaderPrefixed, HeaderSize: object.HeaderSize}, log.Component("netconn"))

	newHandler := func(peerID string, conn *netconn.Connection) netconn.Handler {
		state := registry.register(peerID, conn)
		conn.OnStop(func() { registry.unregister(peerID) })

		send := registry.senderFor(peerID)
		go func() {
			if err := fsm.Advertise(state, cfg.Relay.AdvertiseBytes, send); err != nil {
				log.Debug("initial advertise failed", "peer", peerID, "error", err)
			}
		}()

		return func(msg []byte) error {
			return dispatchRelayFrame(fsm, peerID, msg, send, log)
		}
	}

	srv := netsrv.New(log, netsrv.DefaultSocketOptions(), mgr, newHandler)
	if err := srv.Listen(cfg.Relay.ListenAddr); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Relay.ListenAddr, err)
	}
	go srv.Serve(ctx)
	log.Info("relay server listening", "addr", cfg.Relay.ListenAddr)
	return srv, nil
}

// startRelayTicker periodically re-runs Advertise and DriveDownloads
// for every connected peer, so a peer's output keeps flowing even
// without a fresh inbound frame to trigger it.
func startRelayTicker(ctx context.Context, fsm *relayfsm.FSM, registry *peerRegistry, cfg config.RelayConfig, log *logging.Logger) {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, state := range registry.snapshot() {
					send := registry.senderFor(state.PeerID)
					if err := fsm.Advertise(state, cfg.AdvertiseBytes, send); err != nil {
						log.Debug("advertise failed", "peer", state.PeerID, "error", err)
					}
					if _, err := fsm.DriveDownloads(state.PeerID, int64(1)<<62, cfg.DownloadObjects, send); err != nil {
						log.Debug("drive_downloads failed", "peer", state.PeerID, "error", err)
					}
				}
			}
		}
	}()
}
