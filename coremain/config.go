package coremain

import (
	"github.com/bahalabs/offgate/mlog"
	"github.com/bahalabs/offgate/pkg/strategy"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Origin   OriginConfig   `yaml:"origin"`
	Storage  StorageConfig  `yaml:"storage"`
	Manifest ManifestConfig `yaml:"manifest"`
	Routes   RoutesConfig   `yaml:"routes"`
	Sync     SyncConfig     `yaml:"sync"`
	Notify   NotifyConfig   `yaml:"notify"`
	Servers  []ServerConfig `yaml:"servers"`
	API      APIConfig      `yaml:"api"`
}

type OriginConfig struct {
	// BaseURL of the app origin server, required.
	BaseURL string `yaml:"base_url"`

	// Timeout (sec) for one origin fetch. Go's http client has no
	// default timeout; this one always applies. Default is 10.
	Timeout uint `yaml:"timeout"`

	// MaxBodySize caps response bodies captured into cache entries.
	MaxBodySize int64 `yaml:"max_body_size"`
}

type StorageConfig struct {
	// Backend: "sqlite" (default), "redis" or "memory".
	Backend string `yaml:"backend"`

	// Path of the sqlite database file. Default is "offgate.db".
	// The sync queue shares this file.
	Path string `yaml:"path"`

	// MemSize is the per-generation entry budget of the memory backend.
	MemSize int `yaml:"mem_size"`

	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Timeout  uint   `yaml:"timeout"` // (sec)
}

type ManifestConfig struct {
	// Path of the asset manifest file, required.
	Path string `yaml:"path"`

	// Watch re-installs when the manifest file changes.
	Watch bool `yaml:"watch"`

	// SkipWaiting activates a new version immediately after install
	// instead of waiting for the control channel to promote it.
	SkipWaiting bool `yaml:"skip_waiting"`
}

type RoutesConfig struct {
	APIPrefixes    []string              `yaml:"api_prefixes"`
	StaticPrefixes []string              `yaml:"static_prefixes"`
	OfflinePath    string                `yaml:"offline_path"`
	Rules          []strategy.RuleConfig `yaml:"rules"`
}

type SyncConfig struct {
	// Tag accepted by the drain trigger endpoint.
	// Default is "sync-offline-data".
	Tag string `yaml:"tag"`

	// Interval (sec) between periodic background drains.
	// Zero disables them; drains then only run on explicit triggers.
	Interval uint `yaml:"interval"`
}

type NotifyConfig struct {
	// WebhookURL receives rendered notifications. Empty disables
	// delivery.
	WebhookURL  string `yaml:"webhook_url"`
	Title       string `yaml:"title"`
	DefaultBody string `yaml:"default_body"`
	Icon        string `yaml:"icon"`
	Badge       string `yaml:"badge"`
	OpenTarget  string `yaml:"open_target"`
}

type ServerConfig struct {
	// Protocol: server protocol, can be:
	// "", "http" -> http
	// "https", "tls" -> http over tls
	Protocol string `yaml:"protocol"`

	// Addr: server "host:port" addr. Cannot be empty.
	Addr string `yaml:"addr"`

	Cert string `yaml:"cert"` // certificate path, used by https
	Key  string `yaml:"key"`  // certificate key path, used by https

	IdleTimeout   uint `yaml:"idle_timeout"`   // (sec) connection idle timeout.
	ProxyProtocol bool `yaml:"proxy_protocol"` // accepting the PROXY protocol
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}
