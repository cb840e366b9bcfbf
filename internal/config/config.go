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
	Database struct {
		Path string
	}
	Engine struct {
		SnapshotInterval time.Duration
		LoopOverload     time.Duration
		DownloadLimit    int64
		UploadLimit      int64
	}
	Torrent struct {
		ListenPort int
		Seed       bool
	}
	Archive struct {
		Enabled   bool
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	Auth struct {
		JWTSecret      string
		TokenTTL       time.Duration
		RegisterSecret string
	}
	AWS struct {
		Profile string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("BTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/btcore.db")
	v.SetDefault("engine.snapshotinterval", "1s")
	v.SetDefault("engine.loopoverload", "1s")
	v.SetDefault("engine.downloadlimit", 0)
	v.SetDefault("engine.uploadlimit", 0)
	v.SetDefault("torrent.listenport", 42069)
	v.SetDefault("torrent.seed", true)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.keyprefix", "btcore")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttl", "24h")
	v.SetDefault("auth.registersecret", "")
	v.SetDefault("aws.profile", "")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
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
