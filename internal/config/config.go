// Package config loads factsync settings from an optional YAML file and
// FACTSYNC_* environment variables, then validates the result against an
// embedded CUE schema.
//
// Precedence, highest first: environment, file, defaults. Nested keys map
// to environment names by upper-casing and replacing dots with
// underscores, so server.list_limit is FACTSYNC_SERVER_LIST_LIMIT.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FACTSYNC"

// Config is the complete factsync configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server" json:"server"`
	Client ClientConfig `mapstructure:"client" json:"client"`
	Local  LocalConfig  `mapstructure:"local" json:"local"`
	Log    LogConfig    `mapstructure:"log" json:"log"`
}

// ServerConfig configures `factsync serve`.
type ServerConfig struct {
	Addr         string          `mapstructure:"addr" json:"addr"`
	DB           string          `mapstructure:"db" json:"db"`
	Prefix       string          `mapstructure:"prefix" json:"prefix"`
	ListLimit    int             `mapstructure:"list_limit" json:"list_limit"`
	MaxBodyBytes int64           `mapstructure:"max_body_bytes" json:"max_body_bytes"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig is the per-namespace token bucket. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" json:"rps"`
	Burst int     `mapstructure:"burst" json:"burst"`
}

// ClientConfig locates the remote log a replica syncs with.
type ClientConfig struct {
	BaseURL   string        `mapstructure:"base_url" json:"base_url"`
	Namespace string        `mapstructure:"namespace" json:"namespace"`
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout"`
}

// LocalConfig locates the replica's own store.
type LocalConfig struct {
	DB string `mapstructure:"db" json:"db"`
}

// LogConfig sets the slog level.
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
}

// Defaults mirrors the values applied before the file and environment.
var Defaults = map[string]any{
	"server.addr":             ":8080",
	"server.db":               "factsync-log.db",
	"server.prefix":           "",
	"server.list_limit":       100,
	"server.max_body_bytes":   1 << 20,
	"server.rate_limit.rps":   0.0,
	"server.rate_limit.burst": 50,
	"client.base_url":         "",
	"client.namespace":        "",
	"client.timeout":          "30s",
	"local.db":                "factsync.db",
	"log.level":               "info",
}

// Error is a configuration problem. Pos is set when the failure can be
// attributed to a position in the schema or the decoded document.
type Error struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), msg)
	}
	return msg
}

// Errors collects every schema violation found in one document.
type Errors []*Error

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Load reads path (if non-empty) and the environment into a validated
// Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range Defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Message: fmt.Sprintf("reading %s: %v", path, err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &Error{Message: fmt.Sprintf("decoding configuration: %v", err)}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against the embedded schema.
func Validate(cfg *Config) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return &Error{Message: fmt.Sprintf("encoding configuration: %v", err)}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return &Error{Message: fmt.Sprintf("compiling schema: %v", err)}
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := ctx.CompileBytes(doc, cue.Filename("config"))
	if err := value.Err(); err != nil {
		return &Error{Message: fmt.Sprintf("building configuration: %v", err)}
	}

	if err := def.Unify(value).Validate(cue.Concrete(true), cue.All()); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

func convertCUEErrors(err error) error {
	var out Errors
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		out = append(out, &Error{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
			Pos:     e.Position(),
		})
	}
	if len(out) == 0 {
		return &Error{Message: err.Error()}
	}
	return out
}

// NamespaceID parses the configured namespace.
func (c ClientConfig) NamespaceID() (uuid.UUID, error) {
	if c.Namespace == "" {
		return uuid.Nil, &Error{Path: "client.namespace", Message: "not set"}
	}
	id, err := uuid.Parse(c.Namespace)
	if err != nil {
		return uuid.Nil, &Error{Path: "client.namespace", Message: err.Error()}
	}
	return id, nil
}

// SlogLevel maps the configured level onto slog. verbose forces debug.
func (c LogConfig) SlogLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
