// Package config loads and validates the gate daemon's JSON channel
// configuration (spec.md §6, "Configuration"). The wire format is a single
// JSON document mapping channel name to channel object; this package is the
// Go mirror of the original Rust implementation's
// gate/config.rs:ChannelConfig/ScanningConfig/UserNotifyConfig/GuestNotifyConfig,
// using encoding/json because the wire format is mandated camelCase JSON and
// no third-party JSON library in the retrieval pack offers anything
// encoding/json doesn't already provide for this shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

// InfectedAction identifies the policy applied to an infected source file
// (spec.md §3, channel attribute "scanning policy ... action on infection").
type InfectedAction string

const (
	// InfectedActionLog logs the detection but leaves the source in place.
	InfectedActionLog InfectedAction = "log"
	// InfectedActionDelete removes the source file. This is the default.
	InfectedActionDelete InfectedAction = "delete"
	// InfectedActionQuarantine installs a copy under quarantine/ before
	// removing the source.
	InfectedActionQuarantine InfectedAction = "quarantine"
)

// RefreshTriggerFile is the reserved marker filename toggled by vnotify and
// auto-added to ignoreFilePatterns whenever guestNotify is configured
// (spec.md §6).
const RefreshTriggerFile = ".virtiofs-refresh"

// DefaultUserNotifySocket is the default path for the user-notification
// socket (spec.md §6, UserNotifyConfig.socket default).
const DefaultUserNotifySocket = "/run/clamav/notify.sock"

// DefaultGuestNotifyPort is the default vsock port used for guest
// notifications (spec.md §6, GuestNotifyConfig.port default).
const DefaultGuestNotifyPort = 3401

// DefaultDebounceMs is the default debounce window, in milliseconds
// (spec.md §3, channel attribute "debounce duration").
const DefaultDebounceMs = 1000

// ScanningConfig is a channel's scanning policy (spec.md §3/§6).
type ScanningConfig struct {
	Enable             bool           `json:"enable"`
	InfectedAction     InfectedAction `json:"infectedAction"`
	Permissive         bool           `json:"permissive"`
	IgnoreFilePatterns []string       `json:"ignoreFilePatterns"`
	IgnorePathPatterns []string       `json:"ignorePathPatterns"`
}

// UnmarshalJSON applies ScanningConfig's defaults before overlaying whatever
// fields are present in the wire document.
func (s *ScanningConfig) UnmarshalJSON(data []byte) error {
	type alias ScanningConfig
	aux := alias{
		Enable:         true,
		InfectedAction: InfectedActionDelete,
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = ScanningConfig(aux)
	if s.InfectedAction == "" {
		s.InfectedAction = InfectedActionDelete
	}
	return nil
}

// defaultScanningConfig returns the scanning policy used when a channel
// object omits "scanning" entirely.
func defaultScanningConfig() ScanningConfig {
	return ScanningConfig{
		Enable:         true,
		InfectedAction: InfectedActionDelete,
	}
}

// UserNotifyConfig controls the best-effort local socket notification used
// to surface infection/error events to a UI agent (spec.md §4.5/§6).
type UserNotifyConfig struct {
	Enable bool   `json:"enable"`
	Socket string `json:"socket"`
}

// UnmarshalJSON applies UserNotifyConfig's defaults before overlaying
// whatever fields are present in the wire document.
func (u *UserNotifyConfig) UnmarshalJSON(data []byte) error {
	type alias UserNotifyConfig
	aux := alias{
		Enable: true,
		Socket: DefaultUserNotifySocket,
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*u = UserNotifyConfig(aux)
	if u.Socket == "" {
		u.Socket = DefaultUserNotifySocket
	}
	return nil
}

func defaultUserNotifyConfig() UserNotifyConfig {
	return UserNotifyConfig{Enable: true, Socket: DefaultUserNotifySocket}
}

// GuestNotifyConfig lists the guest VMs that should be woken over vsock
// whenever a channel publishes, deletes, or renames a file (spec.md
// §4.5/§6).
type GuestNotifyConfig struct {
	Guests []uint32 `json:"guests"`
	Port   uint32   `json:"port"`
}

// UnmarshalJSON applies GuestNotifyConfig's port default before overlaying
// whatever fields are present in the wire document.
func (g *GuestNotifyConfig) UnmarshalJSON(data []byte) error {
	type alias GuestNotifyConfig
	aux := alias{Port: DefaultGuestNotifyPort}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*g = GuestNotifyConfig(aux)
	if g.Port == 0 {
		g.Port = DefaultGuestNotifyPort
	}
	return nil
}

// Channel is a single channel's configuration (spec.md §3, "Channel").
type Channel struct {
	Name            string             `json:"-"`
	BasePath        string             `json:"basePath"`
	Producers       []string           `json:"producers"`
	Consumers       []string           `json:"consumers"`
	DiodeProducers  []string           `json:"diodeProducers"`
	DebounceMs      uint64             `json:"debounceMs"`
	Scanning        ScanningConfig     `json:"scanning"`
	UserNotify      UserNotifyConfig   `json:"userNotify"`
	GuestNotify     *GuestNotifyConfig `json:"guestNotify"`
}

// UnmarshalJSON applies Channel's defaults before overlaying whatever
// fields are present in the wire document.
func (c *Channel) UnmarshalJSON(data []byte) error {
	type alias Channel
	aux := alias{
		DebounceMs: DefaultDebounceMs,
		Scanning:   defaultScanningConfig(),
		UserNotify: defaultUserNotifyConfig(),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Channel(aux)
	if c.DebounceMs == 0 {
		c.DebounceMs = DefaultDebounceMs
	}
	return nil
}

// SharePath returns the per-producer share subtree path.
func (c *Channel) SharePath(producer string) string {
	return filepath.Join(c.BasePath, "share", producer)
}

// ExportPath returns the channel's flat export tree path.
func (c *Channel) ExportPath() string {
	return filepath.Join(c.BasePath, "export")
}

// StagingPath returns the channel's daemon-private staging path.
func (c *Channel) StagingPath() string {
	return filepath.Join(c.BasePath, "staging")
}

// QuarantinePath returns the channel's quarantine path.
func (c *Channel) QuarantinePath() string {
	return filepath.Join(c.BasePath, "quarantine")
}

// IsDiode reports whether producer is a member of the channel's diode set.
func (c *Channel) IsDiode(producer string) bool {
	for _, d := range c.DiodeProducers {
		if d == producer {
			return true
		}
	}
	return false
}

// Peers returns the producers that should receive copies published by
// source: every producer other than source, excluding diode producers
// (spec.md §4.2, "for every producer in P\{source} not in D").
func (c *Channel) Peers(source string) []string {
	peers := make([]string, 0, len(c.Producers))
	for _, p := range c.Producers {
		if p == source || c.IsDiode(p) {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

// validate checks a single channel's configuration against spec.md §3's
// invariants and the filesystem layout requirements from spec.md §6,
// returning every problem found rather than stopping at the first.
func (c *Channel) validate() []string {
	var problems []string

	if info, err := os.Stat(c.BasePath); err != nil {
		problems = append(problems, "base path does not exist")
	} else if !info.IsDir() {
		problems = append(problems, "base path is not a directory")
	}

	share := filepath.Join(c.BasePath, "share")
	if info, err := os.Stat(share); err != nil {
		problems = append(problems, "required 'share' directory does not exist")
	} else if !info.IsDir() {
		problems = append(problems, "'share' path exists but is not a directory")
	}

	if len(c.Consumers) > 0 {
		export := c.ExportPath()
		if info, err := os.Stat(export); err != nil {
			problems = append(problems, "required 'export' directory does not exist")
		} else if !info.IsDir() {
			problems = append(problems, "'export' path exists but is not a directory")
		}
	}

	for _, producer := range c.Producers {
		producerDir := c.SharePath(producer)
		if info, err := os.Stat(producerDir); err != nil {
			problems = append(problems, fmt.Sprintf("'share/%s' does not exist", producer))
		} else if !info.IsDir() {
			problems = append(problems, fmt.Sprintf("'share/%s' exists but is not a directory", producer))
		}
	}

	if c.Scanning.InfectedAction == InfectedActionQuarantine {
		quarantine := c.QuarantinePath()
		if info, err := os.Stat(quarantine); err != nil {
			problems = append(problems, "required 'quarantine' directory does not exist (infectedAction=quarantine)")
		} else if !info.IsDir() {
			problems = append(problems, "'quarantine' path exists but is not a directory")
		}
	}

	if len(c.Producers) == 0 {
		problems = append(problems, "channel has no producers defined")
	}

	for _, diode := range c.DiodeProducers {
		found := false
		for _, p := range c.Producers {
			if p == diode {
				found = true
				break
			}
		}
		if !found {
			problems = append(problems, fmt.Sprintf("diode producer '%s' is not in producers list", diode))
		}
	}

	return problems
}

// logInfo emits the non-default-policy log lines that original_source's
// log_config_info emits at load time.
func (c *Channel) logInfo(logger *logging.Logger) {
	if !c.Scanning.Enable {
		logger.Infof("channel '%s': scanning disabled (all files treated as clean)", c.Name)
	}
	if c.Scanning.Permissive {
		logger.Infof("channel '%s': permissive mode enabled (scan errors treated as clean)", c.Name)
	}
	if !c.UserNotify.Enable {
		logger.Infof("channel '%s': user notifications disabled", c.Name)
	}
	if len(c.DiodeProducers) > 0 {
		logger.Infof("channel '%s': diode producers: %v", c.Name, c.DiodeProducers)
	}
}

// Config is the full daemon configuration: channel name to configuration.
type Config map[string]*Channel

// Load reads, parses, defaults, and validates the configuration at path,
// dropping (with logged errors) any channel that fails validation, exactly
// as original_source's load_config does. It aborts outright only if two
// channels share a base path (spec.md §3's base_path uniqueness invariant).
func Load(path string, logger *logging.Logger) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read configuration file")
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "unable to parse configuration JSON")
	}

	for name, channel := range config {
		channel.Name = name
		if channel.GuestNotify != nil {
			addIgnorePattern(&channel.Scanning.IgnoreFilePatterns, RefreshTriggerFile)
		}
	}

	logger.Infof("loaded configuration for %d channels", len(config))

	for name, channel := range config {
		if problems := channel.validate(); len(problems) > 0 {
			for _, problem := range problems {
				logger.Warnf("channel '%s': %s", name, problem)
			}
			logger.Warnf("channel '%s': removed due to configuration errors", name)
			delete(config, name)
			continue
		}
		channel.logInfo(logger)
		logger.Infof("channel '%s': ready for operation", name)
	}

	if err := validateUniqueBasePaths(config); err != nil {
		return nil, err
	}

	if len(config) == 0 {
		logger.Warnf("no valid channels remain after configuration validation")
		logger.Warnf("daemon will start but perform no work until configuration is fixed")
	} else {
		logger.Infof("starting daemon with %d valid channels", len(config))
	}

	return config, nil
}

// addIgnorePattern appends pattern to patterns if not already present.
func addIgnorePattern(patterns *[]string, pattern string) {
	for _, p := range *patterns {
		if p == pattern {
			return
		}
	}
	*patterns = append(*patterns, pattern)
}

// validateUniqueBasePaths enforces spec.md §3's "base_path is unique across
// channels" invariant, comparing canonicalized (symlink-resolved) paths.
func validateUniqueBasePaths(config Config) error {
	seen := make(map[string]string, len(config))
	for name, channel := range config {
		canonical, err := filepath.EvalSymlinks(channel.BasePath)
		if err != nil {
			canonical = channel.BasePath
		}
		if existing, ok := seen[canonical]; ok {
			return fmt.Errorf("channels '%s' and '%s' have conflicting base path '%s'", existing, name, channel.BasePath)
		}
		seen[canonical] = name
	}
	return nil
}

// ChannelStatus is the per-channel outcome reported by Verify.
type ChannelStatus struct {
	Name     string
	Problems []string
}

// Valid reports whether the channel passed validation.
func (s ChannelStatus) Valid() bool {
	return len(s.Problems) == 0
}

// Verify loads the configuration at path and validates every channel
// without filtering any of them out, matching the `gate verify` subcommand
// contract from spec.md §6: "printing per-channel status and exiting
// non-zero if any channel or the base-path uniqueness check fails."
func Verify(path string) ([]ChannelStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read configuration file")
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "unable to parse configuration JSON")
	}
	for name, channel := range config {
		channel.Name = name
	}

	statuses := make([]ChannelStatus, 0, len(config))
	for name, channel := range config {
		statuses = append(statuses, ChannelStatus{Name: name, Problems: channel.validate()})
	}

	if err := validateUniqueBasePaths(config); err != nil {
		return statuses, err
	}

	return statuses, nil
}
