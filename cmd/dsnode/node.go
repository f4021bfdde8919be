package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dsnode/internal/chain"
	"dsnode/internal/committee"
	"dsnode/internal/crypto"
	"dsnode/internal/directory"
	"dsnode/internal/logger"
	"dsnode/internal/lookup"
	"dsnode/internal/network"
	"dsnode/internal/storage"
	"dsnode/internal/wire"
)

// Node wires the DS service to its collaborators.
type Node struct {
	cfg     *Config
	key     *crypto.KeyPair
	store   *storage.BlockStorage
	chain   *chain.State
	network *network.Node
	lookup  *lookup.Client
	sync    *lookup.SyncState
	service *directory.Service
}

// NewNode creates and initializes a node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, sync: &lookup.SyncState{}}

	var err error

	n.key, err = crypto.LoadOrGenerateKeyPair(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	n.chain = chain.NewState()
	n.lookup = lookup.NewClient(peerDialer{n.network}, cfg.LookupAddrs)

	if err := n.initService(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage opens the block store.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.New(n.cfg.DataPath+"/db", n.cfg.Params.NumDSKeepTxBody)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	n.store = store

	return nil
}

// initNetwork starts the QUIC listener. The transport identity is an
// ed25519 key derived from the protocol key seed.
func (n *Node) initNetwork() error {
	net, err := network.NewNode(network.Config{
		PrivateKey: ed25519.NewKeyFromSeed(n.key.Seed()),
		ListenAddr: n.cfg.ListenAddr,
	})
	if err != nil {
		return fmt.Errorf("init network: %w", err)
	}

	if err := net.Start(); err != nil {
		return fmt.Errorf("start network: %w", err)
	}

	n.network = net

	return nil
}

// initService builds the DS service and routes inbound messages into it.
func (n *Node) initService() error {
	var bootstrap []committee.Member

	if n.cfg.CommitteePath != "" {
		members, err := loadCommittee(n.cfg.CommitteePath)
		if err != nil {
			return err
		}

		bootstrap = members
	}

	svc, err := directory.NewService(directory.Config{
		Params:      n.cfg.Params,
		Key:         n.key,
		SelfID:      wire.NewPeer(n.cfg.AdvertiseIP, n.cfg.AdvertisePort),
		Chain:       n.chain,
		Store:       n.store,
		Net:         n.network,
		Lookup:      n.lookup,
		Sync:        n.sync,
		Bootstrap:   bootstrap,
		LookupAddrs: n.cfg.LookupAddrs,
	})
	if err != nil {
		return fmt.Errorf("init directory service: %w", err)
	}

	n.service = svc

	n.network.OnMessage(func(peer *network.Peer, data []byte) {
		n.routeMessage(peer, data)
	})

	return nil
}

// routeMessage demultiplexes the payload type byte. Only directory
// messages are handled here; everything else belongs to adjacent
// subsystems.
func (n *Node) routeMessage(peer *network.Peer, data []byte) {
	if len(data) < 2 {
		logger.Debug("short message dropped", "peer", peer.Address(), "bytes", len(data))
		return
	}

	switch data[0] {
	case wire.TypeDirectory:
		from := wire.NewPeer(peer.RemoteIP(), 0)
		n.service.Execute(data, 1, from)
	default:
		logger.Debug("unhandled message type", "type", data[0], "peer", peer.Address())
	}
}

// Run blocks until a shutdown signal arrives.
func (n *Node) Run() error {
	// At bootstrap the operator points every committee member at the
	// leader; the set-primary message is self-injected.
	if n.cfg.PrimaryAddr != "" {
		ip, port, err := splitEndpoint(n.cfg.PrimaryAddr)
		if err != nil {
			return fmt.Errorf("parse primary address: %w", err)
		}

		msg := wire.BuildSetPrimaryMessage(wire.NewPeer(ip, port))
		n.service.Execute(msg, 1, wire.NewPeer(n.cfg.AdvertiseIP, n.cfg.AdvertisePort))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	n.Close()

	return nil
}

// Close stops everything that was started.
func (n *Node) Close() {
	if n.service != nil {
		n.service.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.store != nil {
		n.store.Close()
	}
}

// peerDialer adapts the network node to the lookup client's dialer.
type peerDialer struct {
	net *network.Node
}

// Connect dials the address and returns the peer as a Requester.
func (d peerDialer) Connect(addr string) (lookup.Requester, error) {
	return d.net.Connect(addr)
}
