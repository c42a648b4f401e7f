// Package config loads the pairdesk configuration from an optional YAML
// file, a .env file and PAIRDESK_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kkyr/fig"
)

const EnvPrefix = "PAIRDESK"

type Config struct {
	Server   Server   `fig:"server"`
	Session  Session  `fig:"session"`
	Security Security `fig:"security"`
	Redis    Redis    `fig:"redis"`
	Transfer Transfer `fig:"transfer"`
	Relay    Relay    `fig:"relay"`
	Log      Log      `fig:"log"`
	Metrics  Metrics  `fig:"metrics"`
}

type Server struct {
	Host           string   `fig:"host" default:"localhost"`
	Port           int      `fig:"port" default:"8080"`
	PublicURL      string   `fig:"publicUrl"`
	TLS            TLS      `fig:"tls"`
	TrustedProxies []string `fig:"trustedProxies"`
	AllowedOrigins []string `fig:"allowedOrigins"`
}

type TLS struct {
	Enabled  bool   `fig:"enabled"`
	CertFile string `fig:"certFile" default:"certs/server.crt"`
	KeyFile  string `fig:"keyFile" default:"certs/server.key"`
}

type Session struct {
	TTL             time.Duration `fig:"ttl" default:"30m"`
	SweepInterval   time.Duration `fig:"sweepInterval" default:"60s"`
	MaxCodeAttempts int           `fig:"maxCodeAttempts" default:"20"`
}

type Security struct {
	TokenSecret    string        `fig:"tokenSecret"`
	TokenTTL       time.Duration `fig:"tokenTtl" default:"30m"`
	AnomalyWindow  time.Duration `fig:"anomalyWindow" default:"60s"`
	MaxAttempts    int           `fig:"maxAttempts" default:"10"`
	MaxDistinctIPs int           `fig:"maxDistinctIps" default:"3"`
	LogLimit       int           `fig:"logLimit" default:"50"`
	AuditDir       string        `fig:"auditDir"`
}

type Redis struct {
	Host     string `fig:"host"`
	Port     string `fig:"port" default:"6379"`
	Username string `fig:"username"`
	Password string `fig:"password"`
	DB       int    `fig:"db"`
}

func (r Redis) Enabled() bool { return r.Host != "" }

func (r Redis) Addr() string { return r.Host + ":" + r.Port }

type Transfer struct {
	SpoolDir     string `fig:"spoolDir"`
	MaxFileSize  int64  `fig:"maxFileSize" default:"104857600"`
	MaxChunkSize int    `fig:"maxChunkSize" default:"1048576"`
}

type Relay struct {
	ReconnectGrace time.Duration `fig:"reconnectGrace" default:"30s"`
	PingInterval   time.Duration `fig:"pingInterval" default:"5s"`
	MaxConnsPerIP  int           `fig:"maxConnsPerIp" default:"10"`
}

type Log struct {
	Debug   bool   `fig:"debug"`
	Dir     string `fig:"dir"`
	NoColor bool   `fig:"noColor"`
}

type Metrics struct {
	Enabled bool `fig:"enabled" default:"true"`
}

// Load reads the configuration. A .env file in the working directory is
// applied to the process environment first; an explicit path that does not
// exist is an error, a missing default config file is not.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var conf Config
	dirs := []string{".", "configs"}
	file := "config.yaml"
	if path != "" {
		dirs = []string{filepath.Dir(path)}
		file = filepath.Base(path)
	}

	err := fig.Load(&conf, fig.File(file), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) && path == "" {
		err = fig.Load(&conf, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	conf.Server.TrustedProxies = splitList(conf.Server.TrustedProxies)
	conf.Server.AllowedOrigins = splitList(conf.Server.AllowedOrigins)
	return &conf, conf.Validate()
}

// Default returns the configuration with every default applied and no file
// or environment lookups. Used by tests and the agent. It panics if a
// default tag does not parse.
func Default() *Config {
	var conf Config
	if err := fig.Load(&conf, fig.IgnoreFile()); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &conf
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	case c.Session.TTL <= 0:
		return errors.New("session ttl must be positive")
	case c.Session.SweepInterval <= 0:
		return errors.New("session sweep interval must be positive")
	case c.Security.TokenTTL <= 0:
		return errors.New("token ttl must be positive")
	case c.Security.MaxAttempts < 1 || c.Security.MaxDistinctIPs < 1 || c.Security.AnomalyWindow <= 0:
		return errors.New("anomaly thresholds must be positive")
	case c.Security.LogLimit < 1:
		return errors.New("access log limit must be positive")
	case c.Transfer.MaxChunkSize < 1 || c.Transfer.MaxFileSize < 1:
		return errors.New("transfer limits must be positive")
	}
	return nil
}

// splitList accepts both YAML lists and a single comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
