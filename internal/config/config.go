package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Engine struct {
		BaseURL      string
		SnapshotPath string
		StreamPath   string

		// Token is a static bearer token. TokenFile points at a file an
		// external agent keeps refreshed; it wins when both are set.
		Token     string
		TokenFile string

		SnapshotTimeout time.Duration
		PollInterval    time.Duration

		BackoffInitial time.Duration
		BackoffMax     time.Duration
		PollingAfter   int

		SlowServerThreshold time.Duration
		CountdownInterval   time.Duration
	}
	Cache struct {
		Path string
		User string
	}
	Storage struct {
		Bucket         string
		Region         string
		Endpoint       string
		MaxUploadBytes int64
	}
	AWS struct {
		Profile string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("SCANSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "127.0.0.1:8090")
	v.SetDefault("engine.baseurl", "")
	v.SetDefault("engine.snapshotpath", "/api/tasks")
	v.SetDefault("engine.streampath", "/api/tasks/stream")
	v.SetDefault("engine.token", "")
	v.SetDefault("engine.tokenfile", "")
	v.SetDefault("engine.snapshottimeout", "8s")
	v.SetDefault("engine.pollinterval", "15s")
	v.SetDefault("engine.backoffinitial", "2s")
	v.SetDefault("engine.backoffmax", "30s")
	v.SetDefault("engine.pollingafter", 3)
	v.SetDefault("engine.slowserverthreshold", "1800ms")
	v.SetDefault("engine.countdowninterval", "1s")
	v.SetDefault("cache.path", "data/scansync.db")
	v.SetDefault("cache.user", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.maxuploadbytes", 0)
	v.SetDefault("aws.profile", "")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Engine.BaseURL == "" {
		return Config{}, fmt.Errorf("engine.baseurl is required (SCANSYNC_ENGINE_BASEURL)")
	}
	cfg.Engine.BaseURL = strings.TrimRight(cfg.Engine.BaseURL, "/")

	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
