// Package sysconfig bundles the shared, immutable-after-init handles
// every component needs (logger, metrics registry, audit writer,
// reconciler tuning), following the teacher's package-level
// "conf *Config, set once at startup" convention but passed explicitly
// as a struct rather than kept as hidden global state, per the design
// note that global-state config works against testability at this
// system's scale.
package sysconfig

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/DeepnessLab/moly-sub000/pkg/auditlog"
)

// Config holds the CLI-level settings parsed from the colon-separated
// key:value argument tokens (in:, out:, last, auto).
type Config struct {
	InInterface  string
	OutInterface string
	Last         bool

	BufferTimeout time.Duration
	SweepInterval time.Duration

	// DetectionLevel selects the service-ID TLS-tunnel port remap
	// behavior (level 1 remaps; any other level passes ports through).
	DetectionLevel int
}

// AutoDefaults mirrors the original main()'s compiled-in "auto" mode.
const (
	AutoInInterface  = "mbox1-eth0"
	AutoOutInterface = "mbox1-eth0"
)

// WithAutoDefaults fills in the compiled-in interface defaults and
// marks this reconciler as the terminal hop, mirroring the source's
// `auto` CLI token.
func (c Config) WithAutoDefaults() Config {
	c.InInterface = AutoInInterface
	c.OutInterface = AutoOutInterface
	c.Last = true

	return c
}

// Context bundles the shared runtime handles every component
// constructor takes, instead of reaching for package-level globals.
type Context struct {
	Config  Config
	Log     *zap.Logger
	Metrics *prometheus.Registry
	Audit   *auditlog.Writer
}

// New constructs a Context. log may be nil (a no-op logger is used);
// audit may be nil for components that don't need to write records.
func New(cfg Config, log *zap.Logger, audit *auditlog.Writer) *Context {
	if log == nil {
		log = zap.NewNop()
	}

	return &Context{
		Config:  cfg,
		Log:     log,
		Metrics: prometheus.NewRegistry(),
		Audit:   audit,
	}
}

// Component returns a named child logger, matching the teacher's
// per-component *zap.Logger convention (reconcilerLog, pafLog, ...).
func (c *Context) Component(name string) *zap.Logger {
	return c.Log.Named(name)
}
