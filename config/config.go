// Package config loads FincasKV's server configuration from an
// optional YAML file, hot-reloading it on change, layered under
// whatever flags the operator passed explicitly on the command line.
package config

import (
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// NetworkConfig configures the TCP front end.
type NetworkConfig struct {
	Addr    string
	Workers int
}

// StorageConfig configures the storage engine.
type StorageConfig struct {
	Engine              string
	DataDir             string
	CompactionThreshold int64
	SyncPolicy          string
	SyncInterval        time.Duration
}

// Config is the fully-resolved configuration a server starts with.
type Config struct {
	Network NetworkConfig
	Storage StorageConfig
}

var (
	conf     *Config
	confOnce sync.Once
	mu       sync.RWMutex
)

// Get returns the currently active configuration. It is safe to call
// concurrently with a hot reload triggered by a file change.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return conf
}

// Default returns the configuration used when no file is loaded.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Addr:    "127.0.0.1:4000",
			Workers: 32,
		},
		Storage: StorageConfig{
			Engine:              "kvs",
			DataDir:             "./data",
			CompactionThreshold: 1 << 20,
			SyncPolicy:          "never",
			SyncInterval:        5 * time.Second,
		},
	}
}

func loadConfig(v *viper.Viper) *Config {
	cfg := Default()

	if v.IsSet("network.addr") {
		cfg.Network.Addr = v.GetString("network.addr")
	}
	if v.IsSet("network.workers") {
		cfg.Network.Workers = v.GetInt("network.workers")
	}

	if v.IsSet("storage.engine") {
		cfg.Storage.Engine = v.GetString("storage.engine")
	}
	if v.IsSet("storage.data_dir") {
		cfg.Storage.DataDir = v.GetString("storage.data_dir")
	}
	if v.IsSet("storage.compaction_threshold") {
		cfg.Storage.CompactionThreshold = v.GetInt64("storage.compaction_threshold")
	}
	if v.IsSet("storage.sync_policy") {
		cfg.Storage.SyncPolicy = v.GetString("storage.sync_policy")
	}
	if v.IsSet("storage.sync_interval") {
		cfg.Storage.SyncInterval = v.GetDuration("storage.sync_interval")
	}

	return cfg
}

// Init loads configPath and installs it as the active configuration.
// Subsequent changes to the file are picked up automatically and swap
// in atomically under mu; callers that already captured a Config value
// keep the one they had, and must call Get again to observe an update.
func Init(configPath string) error {
	var initErr error
	confOnce.Do(func() {
		v := viper.New()
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			initErr = err
			log.Printf("config: read %s failed: %v", configPath, err)
			return
		}

		mu.Lock()
		conf = loadConfig(v)
		mu.Unlock()

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("config: %s changed, reloading", e.Name)

			newV := viper.New()
			newV.SetConfigFile(configPath)
			if err := newV.ReadInConfig(); err != nil {
				log.Printf("config: reload failed: %v", err)
				return
			}

			mu.Lock()
			conf = loadConfig(newV)
			mu.Unlock()
		})
	})
	return initErr
}

// InitDefault installs Default() as the active configuration, used
// when no --conf flag was given.
func InitDefault() {
	mu.Lock()
	defer mu.Unlock()
	if conf == nil {
		conf = Default()
	}
}
