package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Auth struct {
		JWTSecret       string
		Username        string
		PasswordHash    string
		TokenTTLMinutes int
	}
	Download struct {
		DataDir string
	}
	Engine struct {
		PortLow             int
		PortHigh            int
		DHT                 bool
		PEX                 bool
		PortForwarding      bool
		UploadKBps          int
		DownloadKBps        int
		PollIntervalSeconds int
	}
	Seeding struct {
		TargetRatio     float64
		DurationMinutes int
		StopMode        string
	}
	History struct {
		Path string
	}
	Tracker struct {
		BaseURL    string
		CookieName string
		Cookie     string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("SEEDWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.passwordhash", "")
	v.SetDefault("auth.tokenttlminutes", 720)
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("engine.portlow", 50000)
	v.SetDefault("engine.porthigh", 50009)
	v.SetDefault("engine.dht", true)
	v.SetDefault("engine.pex", true)
	v.SetDefault("engine.portforwarding", true)
	v.SetDefault("engine.uploadkbps", 0)
	v.SetDefault("engine.downloadkbps", 0)
	v.SetDefault("engine.pollintervalseconds", 2)
	v.SetDefault("seeding.targetratio", 1.0)
	v.SetDefault("seeding.durationminutes", 60)
	v.SetDefault("seeding.stopmode", "any")
	v.SetDefault("history.path", "data/seedwarden.db")
	v.SetDefault("tracker.baseurl", "")
	v.SetDefault("tracker.cookiename", "mam_id")
	v.SetDefault("tracker.cookie", "")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Seeding.StopMode != "any" && cfg.Seeding.StopMode != "all" {
		return Config{}, fmt.Errorf("seeding.stopmode must be any or all, got %q", cfg.Seeding.StopMode)
	}

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
