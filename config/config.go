package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/yixinin/pairup/stderr"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// Relay is the http address of a relay server. Empty means the local
	// durable store under Storage.Dir.
	Relay   string        `yaml:"relay" env:"PAIRUP_RELAY"`
	Label   string        `yaml:"label" env:"PAIRUP_LABEL" env-default:"data"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	ICE     ICEConfig     `yaml:"ice"`
	Capture CaptureConfig `yaml:"capture"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"PAIRUP_SERVER_ADDR" env-default:":8080"`
	// Store is "memory" or "badger".
	Store string `yaml:"store" env:"PAIRUP_SERVER_STORE" env-default:"memory"`
}

type StorageConfig struct {
	Dir      string `yaml:"dir" env:"PAIRUP_STORAGE_DIR" env-default:"data/db"`
	InMemory bool   `yaml:"in_memory" env:"PAIRUP_STORAGE_IN_MEMORY"`
	// TTL in seconds for relay messages, 0 keeps them until deleted.
	TTL int `yaml:"ttl" env:"PAIRUP_STORAGE_TTL" env-default:"600"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type ICEConfig struct {
	STUN    []string    `yaml:"stun" env:"PAIRUP_STUN" env-separator:","`
	Servers []ICEServer `yaml:"servers"`
}

type CaptureConfig struct {
	Video   bool `yaml:"video" env:"PAIRUP_CAPTURE_VIDEO"`
	Width   int  `yaml:"width" env:"PAIRUP_CAPTURE_WIDTH" env-default:"640"`
	Height  int  `yaml:"height" env:"PAIRUP_CAPTURE_HEIGHT" env-default:"480"`
	Bitrate int  `yaml:"bitrate" env:"PAIRUP_CAPTURE_BITRATE" env-default:"500000"`
}

// LoadConfig reads filename when it exists, then applies PAIRUP_* environment
// overrides and fills defaults for whatever is still unset.
func LoadConfig(filename string) (*Config, error) {
	var c = new(Config)
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, stderr.Wrap(err)
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, stderr.Wrap(err)
			}
		}
	}
	if err := cleanenv.ReadEnv(c); err != nil {
		return nil, stderr.Wrap(err)
	}
	return c, nil
}

func Default() *Config {
	c, err := LoadConfig("")
	if err != nil {
		panic(err)
	}
	return c
}
