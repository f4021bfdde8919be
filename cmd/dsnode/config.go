package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"dsnode/internal/committee"
	"dsnode/internal/crypto"
	"dsnode/internal/params"
	"dsnode/internal/wire"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// ListenAddr is the QUIC P2P listen address.
	ListenAddr string

	// AdvertiseIP and AdvertisePort form the endpoint other nodes reach
	// this node at.
	AdvertiseIP   net.IP
	AdvertisePort uint32

	// KeyPath is the path to the secp256k1 private key file.
	KeyPath string

	// CommitteePath lists the bootstrap committee, one member per line:
	// <pubkey hex>,<host:port>,<bls pubkey hex>.
	CommitteePath string

	// PrimaryAddr is the bootstrap leader's host:port. When set, the node
	// self-injects the set-primary message at startup.
	PrimaryAddr string

	// LookupAddrs are the lookup-tier seed addresses.
	LookupAddrs []string

	// Params is the protocol constant snapshot.
	Params *params.Config

	// LogLevel is the minimum log level.
	LogLevel slog.Level
}

// parseFlags parses command-line flags into a Config.
func parseFlags() (*Config, error) {
	cfg := &Config{Params: params.Default()}

	var (
		advertise string
		lookups   string
		powWindow time.Duration
		mbWindow  time.Duration
		debug     bool
	)

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.ListenAddr, "listen", ":33133", "QUIC P2P listen address")
	flag.StringVar(&advertise, "advertise", "", "Advertised host:port (defaults to the listen address)")
	flag.StringVar(&cfg.KeyPath, "key", "", "secp256k1 private key path (generates new if missing)")
	flag.StringVar(&cfg.CommitteePath, "committee", "", "Bootstrap committee file")
	flag.StringVar(&cfg.PrimaryAddr, "primary", "", "Bootstrap leader host:port")
	flag.StringVar(&lookups, "lookups", "", "Comma-separated lookup seed addresses")
	flag.DurationVar(&powWindow, "pow-window", cfg.Params.PoWWindow, "PoW submission window")
	flag.DurationVar(&mbWindow, "microblock-window", cfg.Params.MicroblockWindow, "Microblock collection window")
	flag.BoolVar(&cfg.Params.TestNetMode, "testnet", false, "Enable the DS submission whitelist")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg.Params.PoWWindow = powWindow
	cfg.Params.MicroblockWindow = mbWindow

	if lookups != "" {
		cfg.LookupAddrs = strings.Split(lookups, ",")
	}

	cfg.LogLevel = slog.LevelInfo
	if debug {
		cfg.LogLevel = slog.LevelDebug
	}

	if advertise == "" {
		advertise = cfg.ListenAddr
	}

	ip, port, err := splitEndpoint(advertise)
	if err != nil {
		return nil, fmt.Errorf("parse advertise address: %w", err)
	}

	cfg.AdvertiseIP = ip
	cfg.AdvertisePort = port

	return cfg, nil
}

// splitEndpoint parses host:port into an IP and a port.
func splitEndpoint(addr string) (net.IP, uint32, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// A bare listen address like ":33133" has no host part.
		ip = net.IPv4zero
	}

	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("parse port %q: %w", portStr, err)
	}

	return ip, uint32(port), nil
}

// loadCommittee parses the bootstrap committee file. Each non-empty,
// non-comment line is <pubkey hex>,<host:port>,<bls pubkey hex>.
func loadCommittee(path string) ([]committee.Member, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open committee file: %w", err)
	}
	defer f.Close()

	var members []committee.Member

	scanner := bufio.NewScanner(f)
	lineNum := 0

	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		member, err := parseCommitteeLine(line)
		if err != nil {
			return nil, fmt.Errorf("committee file line %d: %w", lineNum, err)
		}

		members = append(members, member)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read committee file: %w", err)
	}

	if len(members) == 0 {
		return nil, fmt.Errorf("committee file %s has no members", path)
	}

	return members, nil
}

// parseCommitteeLine decodes one committee member entry.
func parseCommitteeLine(line string) (committee.Member, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return committee.Member{}, fmt.Errorf("want 3 fields, got %d", len(parts))
	}

	keyBytes, err := hex.DecodeString(strings.TrimSpace(parts[0]))
	if err != nil {
		return committee.Member{}, fmt.Errorf("decode pubkey: %w", err)
	}

	pubkey, err := crypto.PubKeyFromBytes(keyBytes)
	if err != nil {
		return committee.Member{}, err
	}

	ip, port, err := splitEndpoint(strings.TrimSpace(parts[1]))
	if err != nil {
		return committee.Member{}, fmt.Errorf("parse endpoint: %w", err)
	}

	blsBytes, err := hex.DecodeString(strings.TrimSpace(parts[2]))
	if err != nil {
		return committee.Member{}, fmt.Errorf("decode bls pubkey: %w", err)
	}

	if len(blsBytes) != committee.BLSPubKeySize {
		return committee.Member{}, fmt.Errorf("bls pubkey size %d, want %d",
			len(blsBytes), committee.BLSPubKeySize)
	}

	member := committee.Member{
		PubKey: pubkey,
		Peer:   wire.NewPeer(ip, port),
	}
	copy(member.BLSPub[:], blsBytes)

	return member, nil
}
