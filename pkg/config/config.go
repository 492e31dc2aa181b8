// Package config loads the typed configuration record the clone core reads
// at startup: SSH defaults, transfer defaults, libvirt connection defaults,
// and logging level. It replaces the heterogeneous, exception-at-use-time
// YAML loading the system this core replaces, with a strongly typed record,
// unknown-key rejection, and load-time coercion — per the "dynamic-typed
// configuration" design note.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/model"
)

const appDirName = "kvmclone"

// SSHSection configures default SSH connection behavior.
type SSHSection struct {
	KeyPath        string `yaml:"key_path"`
	Port           int    `yaml:"port"`
	Timeout        int    `yaml:"timeout"`
	KnownHostsFile string `yaml:"known_hosts_file"`
	HostKeyPolicy  string `yaml:"host_key_policy"`
}

// TransferSection configures default transfer behavior.
type TransferSection struct {
	ParallelTransfers int    `yaml:"parallel_transfers"`
	BandwidthLimit    string `yaml:"bandwidth_limit"`
	Method            string `yaml:"method"`
}

// LibvirtSection configures the hypervisor connection URI and image base.
type LibvirtSection struct {
	URI         string `yaml:"uri"`
	ImageBaseDir string `yaml:"image_base_dir"`
}

// LoggingSection configures the process-wide log level.
type LoggingSection struct {
	Level string `yaml:"level"`
}

// Config is the fully typed, coerced configuration record.
type Config struct {
	SSH      SSHSection      `yaml:"ssh"`
	Transfer TransferSection `yaml:"transfer"`
	Libvirt  LibvirtSection  `yaml:"libvirt"`
	Logging  LoggingSection  `yaml:"logging"`
}

// Default returns the built-in defaults, applied before any file or
// environment override.
func Default() Config {
	return Config{
		SSH: SSHSection{
			Port:          22,
			Timeout:       30,
			HostKeyPolicy: string(model.HostKeyStrict),
		},
		Transfer: TransferSection{
			ParallelTransfers: 4,
			Method:            string(model.TransferRsync),
		},
		Libvirt: LibvirtSection{
			URI:          "qemu:///system",
			ImageBaseDir: "/var/lib/libvirt/images",
		},
		Logging: LoggingSection{
			Level: "INFO",
		},
	}
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", appDirName), nil
}

// SearchPaths returns the config file locations checked in precedence order:
// user config, system config, current directory.
func SearchPaths() []string {
	paths := []string{}
	if dir, err := ConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "config.yaml"))
	}
	paths = append(paths, filepath.Join("/etc", appDirName, "config.yaml"))
	paths = append(paths, "config.yaml")
	return paths
}

// strictTopKeys and the per-section strict*Keys maps list the only
// top-level and nested keys this config accepts;
// anything else is rejected at load time, per the "reject unknown keys"
// design note rather than silently ignoring typos.
var strictTopKeys = map[string]bool{"ssh": true, "transfer": true, "libvirt": true, "logging": true}
var strictSSHKeys = map[string]bool{"key_path": true, "port": true, "timeout": true, "known_hosts_file": true, "host_key_policy": true}
var strictTransferKeys = map[string]bool{"parallel_transfers": true, "bandwidth_limit": true, "method": true}
var strictLibvirtKeys = map[string]bool{"uri": true, "image_base_dir": true}
var strictLoggingKeys = map[string]bool{"level": true}

// Load reads the config file from explicitPath if given, otherwise the
// first existing path from SearchPaths, applies type coercion on top of
// Default(), then applies environment variable overrides, then returns the
// result. Returns Default() with env overrides applied if no file exists
// anywhere.
func Load(explicitPath string) (Config, error) {
	cfg := Default()

	path := explicitPath
	if path == "" {
		for _, p := range SearchPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, clonerr.Wrap(clonerr.CodeConfiguration, err, "read config file %s", path)
		}
		if err := mergeYAML(&cfg, data); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// mergeYAML strictly decodes data onto cfg, rejecting unknown keys at every
// level. Scalar conversion is yaml.v3's own typed decoding (true/false for
// bools, null leaves a field unchanged, unquoted numbers for ints); "none"
// is not treated as null and quoted numeric strings are not converted to
// numbers. The explicit node walk below only guards against unknown keys,
// since a plain struct unmarshal would otherwise silently ignore typos.
func mergeYAML(cfg *Config, data []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return clonerr.Wrap(clonerr.CodeConfiguration, err, "parse config YAML")
	}
	if len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return clonerr.New(clonerr.CodeConfiguration, "config file must be a YAML mapping")
	}
	for i := 0; i < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if !strictTopKeys[key] {
			return clonerr.New(clonerr.CodeConfiguration, "unknown config section %q", key)
		}
		section := doc.Content[i+1]
		var keys map[string]bool
		switch key {
		case "ssh":
			keys = strictSSHKeys
		case "transfer":
			keys = strictTransferKeys
		case "libvirt":
			keys = strictLibvirtKeys
		case "logging":
			keys = strictLoggingKeys
		}
		if section.Kind == yaml.MappingNode {
			for j := 0; j < len(section.Content); j += 2 {
				k := section.Content[j].Value
				if !keys[k] {
					return clonerr.New(clonerr.CodeConfiguration, "unknown config key %q in section %q", k, key)
				}
			}
		}
	}
	return doc.Decode(cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := firstEnv("KVMCLONE_SSH_KEY_PATH"); v != "" {
		cfg.SSH.KeyPath = v
	}
	if v := firstEnv("KVMCLONE_SSH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSH.Port = n
		}
	}
	if v := firstEnv("KVMCLONE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSH.Timeout = n
		}
	}
	if v := firstEnv("KVMCLONE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := firstEnv("KVMCLONE_KNOWN_HOSTS_FILE"); v != "" {
		cfg.SSH.KnownHostsFile = v
	}
	if v := firstEnv("KVMCLONE_PARALLEL_TRANSFERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transfer.ParallelTransfers = n
		}
	}
	if v := firstEnv("KVMCLONE_BANDWIDTH_LIMIT"); v != "" {
		cfg.Transfer.BandwidthLimit = v
	}
	if v := firstEnv("KVMCLONE_SSH_HOST_KEY_POLICY"); v != "" {
		cfg.SSH.HostKeyPolicy = v
	}
}

func firstEnv(name string) string {
	return os.Getenv(name)
}

// Save writes cfg to the user config path, creating its directory if
// necessary, with owner-only permissions (it may carry a key path or other
// sensitive defaults).
func Save(cfg Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return clonerr.Wrap(clonerr.CodeConfiguration, err, "create config directory")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return clonerr.Wrap(clonerr.CodeConfiguration, err, "marshal config")
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return clonerr.Wrap(clonerr.CodeConfiguration, err, "write config file")
	}
	return nil
}

// Path returns the user config file path, for the `config path` subcommand.
func Path() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
