package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "voidwarp"
	// DefaultListeningPort is the rendezvous TCP/UDP port used when nothing else is advertised.
	DefaultListeningPort = 42424
	// PortModeAutomatic lets the OS pick the receiver port.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "VOIDWARP_DATA_DIR"
	// LogLevelEnv overrides the persisted log level.
	LogLevelEnv = "VOIDWARP_LOG_LEVEL"

	configFileName    = "config.json"
	defaultLogLevel   = "info"
	defaultDevice     = "VoidWarp Device"
	privateKeyName    = "ed25519_private.pem"
	publicKeyName     = "ed25519_public.pem"
	keysDirectory     = "keys"
	receivedDirectory = "received"
)

// Duration is a time.Duration persisted as a Go duration string ("30s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var nanos int64
	if err := json.Unmarshal(raw, &nanos); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(nanos)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TransferSettings tunes the transfer engine.
type TransferSettings struct {
	ConnectTimeout      Duration `json:"connect_timeout"`
	AnswerTimeout       Duration `json:"answer_timeout"`
	ChunkAckTimeout     Duration `json:"chunk_ack_timeout"`
	RearmDelay          Duration `json:"rearm_delay"`
	RequirePairing      bool     `json:"require_pairing"`
	RekeyAfterBytes     uint64   `json:"rekey_after_bytes"`
	RekeyInterval       Duration `json:"rekey_interval"`
	SmallFileThreshold  int64    `json:"small_file_threshold"`
	LargeFileThreshold  int64    `json:"large_file_threshold"`
	MediumChunkSize     int      `json:"medium_chunk_size"`
	LargeChunkSize      int      `json:"large_chunk_size"`
	DefaultDownloadPath string   `json:"default_download_path"`
}

// DiscoverySettings tunes peer discovery.
type DiscoverySettings struct {
	EnableMDNS     bool     `json:"enable_mdns"`
	EnableBeacon   bool     `json:"enable_beacon"`
	BeaconInterval Duration `json:"beacon_interval"`
	PeerStaleAfter Duration `json:"peer_stale_after"`
	RendezvousPort int      `json:"rendezvous_port"`
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceName            string            `json:"device_name"`
	PortMode              string            `json:"port_mode"`
	ListeningPort         int               `json:"listening_port"`
	Ed25519PrivateKeyPath string            `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string            `json:"ed25519_public_key_path"`
	KeyFingerprint        string            `json:"key_fingerprint"`
	LogLevel              string            `json:"log_level"`
	Transfer              TransferSettings  `json:"transfer"`
	Discovery             DiscoverySettings `json:"discovery"`
}

// DefaultTransferSettings returns the engine defaults.
func DefaultTransferSettings() TransferSettings {
	return TransferSettings{
		ConnectTimeout:     Duration(10 * time.Second),
		AnswerTimeout:      Duration(60 * time.Second),
		ChunkAckTimeout:    Duration(30 * time.Second),
		RearmDelay:         Duration(time.Second),
		RekeyAfterBytes:    1 << 30,
		RekeyInterval:      Duration(time.Hour),
		SmallFileThreshold: 16 << 20,
		LargeFileThreshold: 512 << 20,
		MediumChunkSize:    1 << 20,
		LargeChunkSize:     4 << 20,
	}
}

// DefaultDiscoverySettings returns the discovery defaults.
func DefaultDiscoverySettings() DiscoverySettings {
	return DiscoverySettings{
		EnableMDNS:     true,
		EnableBeacon:   true,
		BeaconInterval: Duration(2 * time.Second),
		PeerStaleAfter: Duration(30 * time.Second),
		RendezvousPort: DefaultListeningPort,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If VOIDWARP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, keysDirectory),
		filepath.Join(dataDir, receivedDirectory),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist under the resolved data dir.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt is LoadOrCreate for an explicit data directory.
func LoadOrCreateAt(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		applyEnvOverrides(cfg)
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	applyEnvOverrides(cfg)

	return cfg, cfgPath, nil
}

// DataDir returns the directory that holds the config file.
func DataDir(cfgPath string) string {
	return filepath.Dir(cfgPath)
}

// ReceivedDir is the default destination for accepted transfers.
func (c *DeviceConfig) ReceivedDir(dataDir string) string {
	if c.Transfer.DefaultDownloadPath != "" {
		return c.Transfer.DefaultDownloadPath
	}
	return filepath.Join(dataDir, receivedDirectory)
}

// ReceiverPort returns the port a receiver should bind, 0 meaning OS-assigned.
func (c *DeviceConfig) ReceiverPort() int {
	if c.PortMode == PortModeFixed {
		return c.ListeningPort
	}
	return 0
}

func defaultConfig(dataDir string) *DeviceConfig {
	keysDir := filepath.Join(dataDir, keysDirectory)
	return &DeviceConfig{
		DeviceName:            hostDeviceName(),
		PortMode:              PortModeAutomatic,
		ListeningPort:         0,
		Ed25519PrivateKeyPath: filepath.Join(keysDir, privateKeyName),
		Ed25519PublicKeyPath:  filepath.Join(keysDir, publicKeyName),
		LogLevel:              defaultLogLevel,
		Transfer:              DefaultTransferSettings(),
		Discovery:             DefaultDiscoverySettings(),
	}
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultDevice
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, keysDirectory)

	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, privateKeyName)
		updated = true
	}
	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, publicKeyName)
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
		updated = true
	}

	if normalizeTransfer(&cfg.Transfer) {
		updated = true
	}
	if normalizeDiscovery(&cfg.Discovery) {
		updated = true
	}

	return updated
}

func normalizeTransfer(t *TransferSettings) bool {
	def := DefaultTransferSettings()
	updated := false
	fill := func(dst *Duration, value Duration) {
		if *dst <= 0 {
			*dst = value
			updated = true
		}
	}
	fill(&t.ConnectTimeout, def.ConnectTimeout)
	fill(&t.AnswerTimeout, def.AnswerTimeout)
	fill(&t.ChunkAckTimeout, def.ChunkAckTimeout)
	fill(&t.RearmDelay, def.RearmDelay)
	fill(&t.RekeyInterval, def.RekeyInterval)

	if t.RekeyAfterBytes == 0 {
		t.RekeyAfterBytes = def.RekeyAfterBytes
		updated = true
	}
	if t.SmallFileThreshold <= 0 {
		t.SmallFileThreshold = def.SmallFileThreshold
		updated = true
	}
	if t.LargeFileThreshold <= t.SmallFileThreshold {
		t.LargeFileThreshold = max(def.LargeFileThreshold, t.SmallFileThreshold)
		updated = true
	}
	if t.MediumChunkSize <= 0 {
		t.MediumChunkSize = def.MediumChunkSize
		updated = true
	}
	if t.LargeChunkSize <= 0 {
		t.LargeChunkSize = def.LargeChunkSize
		updated = true
	}
	return updated
}

func normalizeDiscovery(d *DiscoverySettings) bool {
	def := DefaultDiscoverySettings()
	updated := false

	// A zero-valued section means the file predates discovery settings.
	if *d == (DiscoverySettings{}) {
		*d = def
		return true
	}
	if d.BeaconInterval <= 0 {
		d.BeaconInterval = def.BeaconInterval
		updated = true
	}
	if d.PeerStaleAfter <= 0 {
		d.PeerStaleAfter = def.PeerStaleAfter
		updated = true
	}
	if d.RendezvousPort <= 0 {
		d.RendezvousPort = def.RendezvousPort
		updated = true
	}
	return updated
}

func applyEnvOverrides(cfg *DeviceConfig) {
	if level := strings.TrimSpace(os.Getenv(LogLevelEnv)); level != "" {
		cfg.LogLevel = level
	}
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
