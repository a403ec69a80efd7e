package config

import (
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2"
)

const (
	DefaultEndpoint     = "/batch"
	DefaultPort         = 8080
	DefaultBodyLimit    = 1024 * 1000
	DefaultHookTimeout  = 300 * time.Millisecond
	DefaultCloseTimeout = time.Second
)

// Config is the fully resolved configuration.
type Config struct {
	// Dir is the directory relative paths were resolved against.
	Dir           string
	Server        Server
	Log           Log
	Sandbox       Sandbox
	ComponentsDir string
	Components    []Component
	Plugins       []Plugin
}

// Server holds the HTTP and process settings.
type Server struct {
	Endpoint     string
	Host         string
	Port         int
	BodyLimit    int64
	Concurrent   bool
	Cluster      bool
	HookTimeout  time.Duration
	CloseTimeout time.Duration

	// workerCount is nil when the file does not set worker_count.
	workerCount hcl.Expression
	evalCtx     func(cores int) *hcl.EvalContext
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Log selects the process logger.
type Log struct {
	Level  string
	Format string
	// Target is "stdout", "stderr" or an absolute file path.
	Target string
}

// Sandbox configures the script sandbox.
type Sandbox struct {
	// CacheSize of 0 means one slot per component.
	CacheSize int
	// Preload holds absolute paths of scripts run in every new context.
	Preload []string
	Watch   bool
}

// Component maps a component name to a script file.
type Component struct {
	Name string
	Path string
}

// Plugin is an enabled plugin and its undecoded settings.
type Plugin struct {
	Name string
	Body hcl.Body
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Dir: ".",
		Server: Server{
			Endpoint:     DefaultEndpoint,
			Port:         DefaultPort,
			BodyLimit:    DefaultBodyLimit,
			HookTimeout:  DefaultHookTimeout,
			CloseTimeout: DefaultCloseTimeout,
		},
		Log: Log{Level: "info", Format: "json", Target: "stdout"},
	}
}
