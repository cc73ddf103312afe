// Package engine ties one device identity to its trust store, peer registry,
// pairing authority and transfer gate. A process may run several engines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voidwarp/config"
	"voidwarp/crypto"
	"voidwarp/discovery"
	"voidwarp/logging"
	"voidwarp/models"
	"voidwarp/network"
	"voidwarp/pairing"
	"voidwarp/storage"
	"voidwarp/transfer"
)

// ErrUnknownPeer means a device id is not in the registry.
var ErrUnknownPeer = errors.New("engine: unknown peer")

// Options configures an Engine. With only DataDir set the engine loads the
// config, keypair and trust store from there; tests inject Identity and Store.
type Options struct {
	DataDir    string
	DeviceName string

	Identity models.DeviceIdentity
	Store    *storage.Store
	Config   *config.DeviceConfig

	Logger *logrus.Entry
	Now    func() time.Time
}

// Engine is one local device.
type Engine struct {
	cfg       *config.DeviceConfig
	cfgPath   string
	dataDir   string
	store     *storage.Store
	ownsStore bool
	log       *logrus.Entry

	trust     *storeTrust
	authority *pairing.Authority
	gate      transfer.Gate

	mu       sync.Mutex
	registry *discovery.Registry
	closed   bool
}

// New loads or creates everything the engine needs.
func New(opts Options) (*Engine, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		cfg:     opts.Config,
		dataDir: opts.DataDir,
		store:   opts.Store,
		log:     logging.OrDefault(opts.Logger, "engine"),
	}

	identity := opts.Identity
	if identity.PrivateKey == nil {
		if err := e.loadIdentity(&identity); err != nil {
			return nil, err
		}
	} else if e.cfg == nil {
		e.cfg = &config.DeviceConfig{
			DeviceName: identity.DisplayName,
			Transfer:   config.DefaultTransferSettings(),
			Discovery:  config.DefaultDiscoverySettings(),
		}
	}
	if opts.DeviceName != "" {
		identity.DisplayName = opts.DeviceName
		e.cfg.DeviceName = opts.DeviceName
	}

	if e.store == nil {
		if e.dataDir == "" {
			return nil, errors.New("engine: a trust store or data directory is required")
		}
		store, _, err := storage.Open(e.dataDir)
		if err != nil {
			return nil, err
		}
		e.store = store
		e.ownsStore = true
	}

	e.trust = &storeTrust{
		store:          e.store,
		requirePairing: e.cfg.Transfer.RequirePairing,
		now:            opts.Now,
		log:            e.log,
	}
	authority, err := pairing.New(pairing.Options{
		Identity:       identity,
		PrivateKeyPath: e.cfg.Ed25519PrivateKeyPath,
		PublicKeyPath:  e.cfg.Ed25519PublicKeyPath,
		Pins:           e.store,
		Logger:         e.log.WithField("component", "pairing"),
		Now:            opts.Now,
	})
	if err != nil {
		_ = e.closeStore()
		return nil, err
	}
	e.authority = authority

	registry, err := e.newRegistry(identity)
	if err != nil {
		_ = e.closeStore()
		return nil, err
	}
	e.registry = registry

	e.log.WithFields(logrus.Fields{
		"device_id": identity.DeviceID,
		"name":      identity.DisplayName,
	}).Info("Engine ready")
	return e, nil
}

func (e *Engine) loadIdentity(identity *models.DeviceIdentity) error {
	if e.cfg == nil {
		if e.dataDir == "" {
			dir, err := config.ResolveDataDir()
			if err != nil {
				return err
			}
			e.dataDir = dir
		}
		cfg, cfgPath, err := config.LoadOrCreateAt(e.dataDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		e.cfg, e.cfgPath = cfg, cfgPath
	}

	privateKey, publicKey, err := crypto.EnsureEd25519KeyPair(e.cfg.Ed25519PrivateKeyPath, e.cfg.Ed25519PublicKeyPath)
	if err != nil {
		return fmt.Errorf("prepare identity keypair: %w", err)
	}
	*identity = models.DeviceIdentity{
		DeviceID:    crypto.KeyFingerprint(publicKey),
		DisplayName: e.cfg.DeviceName,
		PrivateKey:  privateKey,
		PublicKey:   publicKey,
	}
	return e.persistFingerprint(identity.DeviceID)
}

func (e *Engine) persistFingerprint(fingerprint string) error {
	if e.cfg.KeyFingerprint == fingerprint || e.cfgPath == "" {
		e.cfg.KeyFingerprint = fingerprint
		return nil
	}
	e.cfg.KeyFingerprint = fingerprint
	if err := config.Save(e.cfgPath, e.cfg); err != nil {
		return fmt.Errorf("persist key fingerprint: %w", err)
	}
	return nil
}

func (e *Engine) newRegistry(identity models.DeviceIdentity) (*discovery.Registry, error) {
	return discovery.NewRegistry(discovery.Options{
		DeviceID:   identity.DeviceID,
		DeviceName: identity.DisplayName,
		Settings:   e.cfg.Discovery,
		Logger:     e.log.WithField("component", "discovery"),
	})
}

// Identity returns the device identity.
func (e *Engine) Identity() models.DeviceIdentity {
	return e.authority.Identity()
}

// DeviceID returns the fingerprint identifying this device.
func (e *Engine) DeviceID() string {
	return e.authority.Identity().DeviceID
}

// Config returns the loaded device config.
func (e *Engine) Config() *config.DeviceConfig {
	return e.cfg
}

// DataDir is the directory the engine loaded from, or "" for injected engines.
func (e *Engine) DataDir() string {
	return e.dataDir
}

// ReceivedDir is the default save directory.
func (e *Engine) ReceivedDir() string {
	return e.cfg.ReceivedDir(e.dataDir)
}

// ResetIdentity replaces the keypair. Discovery is stopped and has to be
// started again under the new id; manual peers carry over.
func (e *Engine) ResetIdentity() (models.DeviceIdentity, error) {
	identity, err := e.authority.ResetIdentity()
	if err != nil {
		return models.DeviceIdentity{}, err
	}
	if err := e.persistFingerprint(identity.DeviceID); err != nil {
		return identity, err
	}

	registry, err := e.newRegistry(identity)
	if err != nil {
		return identity, err
	}
	e.mu.Lock()
	old := e.registry
	e.registry = registry
	e.mu.Unlock()

	old.Stop()
	for _, peer := range old.Snapshot() {
		if peer.Origin != models.OriginManual {
			continue
		}
		for _, ip := range peer.Candidates {
			_ = registry.AddManual(peer.DeviceID, peer.DeviceName, ip.String(), peer.Port)
		}
	}
	return identity, nil
}

func (e *Engine) currentRegistry() *discovery.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry
}

// StartDiscovery advertises port and listens for peers on every adapter.
func (e *Engine) StartDiscovery(port int) error {
	return e.currentRegistry().Start(context.Background(), port)
}

// StartDiscoveryWithIP is StartDiscovery bound to the adapter owning ip.
func (e *Engine) StartDiscoveryWithIP(port int, ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("parse interface address: %w", err)
	}
	return e.currentRegistry().StartWithIP(context.Background(), port, addr)
}

// StopDiscovery stops advertising and listening. Known peers stay.
func (e *Engine) StopDiscovery() {
	e.currentRegistry().Stop()
}

// AddManualPeer records a peer reached without discovery.
func (e *Engine) AddManualPeer(deviceID, name, ip string, port int) error {
	return e.currentRegistry().AddManual(deviceID, name, ip, port)
}

// Peers returns the known peers.
func (e *Engine) Peers() []models.PeerRecord {
	return e.currentRegistry().Snapshot()
}

// Candidates returns the ip:port addresses to dial for a known peer.
func (e *Engine) Candidates(deviceID string) ([]string, error) {
	peer, ok := e.currentRegistry().Lookup(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, deviceID)
	}
	return peer.Addresses(), nil
}

// TestConnection reports whether ip:port accepts TCP connections.
func (e *Engine) TestConnection(ctx context.Context, ip string, port int) bool {
	return network.Probe(ctx, net.JoinHostPort(ip, strconv.Itoa(port)), discovery.DefaultProbeTimeout)
}

// ProbePeer reports whether any candidate of a known peer is reachable.
func (e *Engine) ProbePeer(ctx context.Context, deviceID string) bool {
	registry := e.currentRegistry()
	peer, ok := registry.Lookup(deviceID)
	return ok && registry.Probe(ctx, peer)
}

func (e *Engine) handshake() network.HandshakeOptions {
	return network.HandshakeOptions{
		Identity: e.Identity(),
		Trust:    e.trust,
		Logger:   e.log.WithField("component", "network"),
	}
}

// NewSender prepares an offer of path. Only one transfer per engine runs at a time.
func (e *Engine) NewSender(path string) (*transfer.Sender, error) {
	return transfer.NewSender(path, transfer.SenderOptions{
		Handshake: e.handshake(),
		Settings:  e.cfg.Transfer,
		Gate:      &e.gate,
		Logger:    e.log.WithField("component", "sender"),
	})
}

// ReceiverConfig selects where a receiver binds and whether paired peers skip the prompt.
// First-use pins never skip it.
type ReceiverConfig struct {
	Address    string
	Port       int
	AutoAccept string
}

// NewReceiver binds a receiver sharing the engine's transfer gate.
func (e *Engine) NewReceiver(rc ReceiverConfig) (*transfer.Receiver, error) {
	return transfer.NewReceiver(transfer.ReceiverOptions{
		Handshake:  e.handshake(),
		Settings:   e.cfg.Transfer,
		Address:    rc.Address,
		Port:       rc.Port,
		Gate:       &e.gate,
		AutoAccept: rc.AutoAccept,
		IsPaired:   e.IsPaired,
		Logger:     e.log.WithField("component", "receiver"),
	})
}

// Busy reports whether a transfer currently holds the engine.
func (e *Engine) Busy() bool {
	return e.gate.Busy()
}

// GeneratePairingCode issues a fresh single-use code.
func (e *Engine) GeneratePairingCode() (pairing.ShortCode, error) {
	return e.authority.GenerateShortCode()
}

// ListenForPairing waits on address for one peer holding the current code.
func (e *Engine) ListenForPairing(ctx context.Context, address string) (models.PeerIdentity, error) {
	return e.authority.Listen(ctx, address)
}

// ServePairing is ListenForPairing on an existing listener.
func (e *Engine) ServePairing(ctx context.Context, ln net.Listener) (models.PeerIdentity, error) {
	return e.authority.Serve(ctx, ln)
}

// Pair runs the initiator side against address with the code shown on the peer.
func (e *Engine) Pair(ctx context.Context, address, code string) (models.PeerIdentity, error) {
	return e.authority.Pair(ctx, address, code)
}

// IsPinned reports whether deviceID is in the trust store.
func (e *Engine) IsPinned(deviceID string) bool {
	return e.trust.pinned(deviceID)
}

// IsPaired reports whether deviceID was pinned by a completed pairing exchange.
func (e *Engine) IsPaired(deviceID string) bool {
	return e.trust.paired(deviceID)
}

// TrustedPeers lists every pin.
func (e *Engine) TrustedPeers() ([]storage.TrustedPeer, error) {
	return e.store.ListTrustedPeers()
}

// Forget removes a pin.
func (e *Engine) Forget(deviceID string) error {
	return e.store.RemoveTrustedPeer(deviceID)
}

// Close stops discovery and releases the trust store if the engine opened it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	registry := e.registry
	e.mu.Unlock()

	registry.Stop()
	return e.closeStore()
}

func (e *Engine) closeStore() error {
	if !e.ownsStore {
		return nil
	}
	return e.store.Close()
}
