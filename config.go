package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk appliance configuration: the printer fleet, the
// NFC frontend's SPI/GPIO wiring, the spool store and key-value store
// paths, and the local debug observer console. Follows the teacher's
// DefaultConfig()+LoadConfig(path) YAML shape (config.go), generalized
// from one hardcoded printer to a configured fleet (spec.md §3 "Printer
// session state" is per-printer, plural).
type Config struct {
	Console  ConsoleConfig    `yaml:"console"`
	Store    StoreConfig      `yaml:"store"`
	NFC      NFCConfig        `yaml:"nfc"`
	Printers []PrinterConfig  `yaml:"printers"`
}

// ConsoleConfig configures the local debug observer console (the
// gorilla/websocket relay, internal/observerhub) — not the companion
// server's REST/CRUD surface, which is out of scope (spec.md §1).
type ConsoleConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig locates the spool record CSV database and the flat
// key/value store (spec.md §6 persisted-state keys).
type StoreConfig struct {
	SpoolDBName string `yaml:"spool_db_name"` // base name, ".db"/".dbm" appended
	KVPath      string `yaml:"kv_path"`
}

// NFCConfig names the SPI port and IRQ GPIO pin the PN532 frontend is
// wired to, matching google-periph's spireg.Open(name)/gpioreg.ByName(name)
// addressing scheme.
type NFCConfig struct {
	SPIPort string `yaml:"spi_port"`
	SPISpeed int64 `yaml:"spi_speed_hz"`
	IRQPin   string `yaml:"irq_pin"`
}

// PrinterConfig configures one printer's MQTT liaison and fetch
// credentials. AutoRestoreK and TrackPrintConsume are pointers so a YAML
// file that omits them defaults to true (see the OrDefault accessors
// below), matching the original firmware's PrinterConfig::default_true
// fields for the same two toggles.
type PrinterConfig struct {
	Name      string              `yaml:"name"`
	IP        string              `yaml:"ip"`
	Port      int                 `yaml:"port"`
	Model     string              `yaml:"model"` // "bambu", "p2s", "h2c", "simulator"
	AccessCode string             `yaml:"access_code"`
	ClientID  string              `yaml:"client_id"`
	KeepAliveSeconds int          `yaml:"keep_alive_seconds"`
	Topics    []string            `yaml:"topics"`
	TrustAnchor TrustAnchorConfig `yaml:"trust_anchor"`
	FTPUser   string              `yaml:"ftp_user"`
	FTPPass   string              `yaml:"ftp_pass"`

	// AutoRestoreK pushes a spool's stored K-factor (internal/kcal) to
	// the printer as soon as a job starts, without operator confirmation.
	AutoRestoreK *bool `yaml:"auto_restore_k"`
	// TrackPrintConsume feeds C2's per-job filament totals back into the
	// loaded spool's consumed-since-add/consumed-since-weight running
	// counters (internal/spoolrecord); turning it off leaves records
	// untouched, e.g. when a printer is only being monitored.
	TrackPrintConsume *bool `yaml:"track_print_consume"`
}

// AutoRestoreKOrDefault reports whether K-factor auto-restore is enabled,
// defaulting to true when unset in YAML.
func (p PrinterConfig) AutoRestoreKOrDefault() bool {
	return p.AutoRestoreK == nil || *p.AutoRestoreK
}

// TrackPrintConsumeOrDefault reports whether per-job consumption tracking
// is enabled, defaulting to true when unset in YAML.
func (p PrinterConfig) TrackPrintConsumeOrDefault() bool {
	return p.TrackPrintConsume == nil || *p.TrackPrintConsume
}

// TrustAnchorConfig names PEM CA bundle file(s) for a printer model's
// TLS trust anchor; Alternate is only consulted for model "p2s"
// (spec.md §4.4's handshake-error-triggered rotation).
type TrustAnchorConfig struct {
	PrimaryPEMPath   string `yaml:"primary_pem_path"`
	AlternatePEMPath string `yaml:"alternate_pem_path"`
	ServerName       string `yaml:"server_name"`
}

// KeepAlive returns the configured keep-alive as a duration, defaulting
// to 20s when unset.
func (p PrinterConfig) KeepAlive() time.Duration {
	if p.KeepAliveSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(p.KeepAliveSeconds) * time.Second
}

// DefaultConfig mirrors the teacher's DefaultConfig(): safe defaults so
// a bare `spoolease` invocation with no config file still starts (no
// printers configured, local store paths, console on localhost).
func DefaultConfig() *Config {
	return &Config{
		Console: ConsoleConfig{
			Host: "127.0.0.1",
			Port: 7126,
		},
		Store: StoreConfig{
			SpoolDBName: "spools",
			KVPath:      "kvstore.json",
		},
		NFC: NFCConfig{
			SPIPort:  "SPI0.0",
			SPISpeed: 1_000_000,
			IRQPin:   "GPIO25",
		},
	}
}

// LoadConfig reads and parses path, falling back to DefaultConfig for
// any field left unset, and resolves relative store paths against the
// process's working directory, matching the teacher's LoadConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	dir, _ := os.Getwd()
	if !filepath.IsAbs(cfg.Store.SpoolDBName) {
		cfg.Store.SpoolDBName = filepath.Join(dir, cfg.Store.SpoolDBName)
	}
	if !filepath.IsAbs(cfg.Store.KVPath) {
		cfg.Store.KVPath = filepath.Join(dir, cfg.Store.KVPath)
	}

	return cfg, nil
}

// ListenAddr is the debug observer console's HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Console.Host, c.Console.Port)
}
