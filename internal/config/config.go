// Package config loads the replication parameter file.
//
// A parameter file is YAML. It is checked against the embedded CUE schema,
// which also supplies defaults, and then KUSTOCOPY_* environment variables
// override individual settings.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/kustocopy/internal/state"
)

//go:embed schema.cue
var schema string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KUSTOCOPY_"

// ErrInvalid wraps every problem with a parameter file.
var ErrInvalid = errors.New("invalid parameters")

// Mode is how often an activity runs.
type Mode string

const (
	ModeOnce       Mode = "once"
	ModeContinuous Mode = "continuous"
)

// Table names a table on a cluster.
type Table struct {
	Cluster  string `json:"cluster"`
	Database string `json:"database"`
	Table    string `json:"table"`
}

// Identity returns the normalized identity of t.
func (t Table) Identity() state.TableIdentity {
	return state.NewTableIdentity(t.Cluster, t.Database, t.Table)
}

type Activity struct {
	Name        string `json:"name"`
	Source      Table  `json:"source"`
	Destination Table  `json:"destination"`
	Mode        Mode   `json:"mode"`
}

type Lease struct {
	Holder     string        `json:"holder"`
	Duration   time.Duration `json:"duration"`
	RenewEvery time.Duration `json:"renew_every"`
}

type Bookmark struct {
	Path string `json:"path"`
	// Lease is nil when the bookmark is opened without one.
	Lease *Lease `json:"lease,omitempty"`
}

type Runner struct {
	IterationPeriod time.Duration `json:"iteration_period"`
	PollInterval    time.Duration `json:"poll_interval"`
	MaxBlockRetries int           `json:"max_block_retries"`
	UrlsPerCommit   int           `json:"urls_per_commit"`
	ExportSlots     int           `json:"export_slots"`
	IngestSlots     int           `json:"ingest_slots"`
	CommandSlots    int           `json:"command_slots"`
}

type Retry struct {
	MaxAttempts int           `json:"max_attempts"`
	Step        time.Duration `json:"step"`
}

// Parameters is a loaded parameter file.
type Parameters struct {
	Bookmark   Bookmark   `json:"bookmark"`
	Runner     Runner     `json:"runner"`
	Retry      Retry      `json:"retry"`
	Activities []Activity `json:"activities"`
}

// document mirrors the schema. Durations stay strings until resolve.
type document struct {
	Bookmark struct {
		Path  string `json:"path"`
		Lease *struct {
			Holder     string `json:"holder"`
			Duration   string `json:"duration"`
			RenewEvery string `json:"renew_every"`
		} `json:"lease"`
	} `json:"bookmark"`
	Runner struct {
		IterationPeriod string `json:"iteration_period"`
		PollInterval    string `json:"poll_interval"`
		MaxBlockRetries int    `json:"max_block_retries"`
		UrlsPerCommit   int    `json:"urls_per_commit"`
		ExportSlots     int    `json:"export_slots"`
		IngestSlots     int    `json:"ingest_slots"`
		CommandSlots    int    `json:"command_slots"`
	} `json:"runner"`
	Retry struct {
		MaxAttempts int    `json:"max_attempts"`
		Step        string `json:"step"`
	} `json:"retry"`
	Activities []Activity `json:"activities"`
}

// Load reads and validates the parameter file at path, then applies
// environment overrides.
func Load(path string) (*Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := p.ApplyEnv(nil); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse validates a YAML parameter document. Environment overrides are not
// applied.
func Parse(data []byte) (*Parameters, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrInvalid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalid)
	}

	ctx := cuecontext.New()
	schemaVal := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := schemaVal.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	def := schemaVal.LookupPath(cue.ParsePath("#Parameters"))

	value := def.Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, describe(err))
	}

	var doc document
	if err := value.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	p, err := resolve(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return p, nil
}

// describe flattens CUE's error list into one line per problem.
func describe(err error) string {
	var msg string
	for i, e := range cueerrors.Errors(err) {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	if msg == "" {
		return err.Error()
	}
	return msg
}

func resolve(doc document) (*Parameters, error) {
	var errs []error
	duration := func(field, s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return d
	}

	p := &Parameters{
		Bookmark: Bookmark{Path: doc.Bookmark.Path},
		Runner: Runner{
			IterationPeriod: duration("runner.iteration_period", doc.Runner.IterationPeriod),
			PollInterval:    duration("runner.poll_interval", doc.Runner.PollInterval),
			MaxBlockRetries: doc.Runner.MaxBlockRetries,
			UrlsPerCommit:   doc.Runner.UrlsPerCommit,
			ExportSlots:     doc.Runner.ExportSlots,
			IngestSlots:     doc.Runner.IngestSlots,
			CommandSlots:    doc.Runner.CommandSlots,
		},
		Retry: Retry{
			MaxAttempts: doc.Retry.MaxAttempts,
			Step:        duration("retry.step", doc.Retry.Step),
		},
		Activities: doc.Activities,
	}
	if l := doc.Bookmark.Lease; l != nil {
		p.Bookmark.Lease = &Lease{
			Holder:     l.Holder,
			Duration:   duration("bookmark.lease.duration", l.Duration),
			RenewEvery: duration("bookmark.lease.renew_every", l.RenewEvery),
		}
	}
	return p, errors.Join(errs...)
}

// check covers what the schema cannot express.
func (p *Parameters) check() error {
	seen := make(map[string]bool)
	for _, a := range p.Activities {
		name := state.NormalizeName(a.Name)
		if seen[name] {
			return fmt.Errorf("activity %q is defined twice", a.Name)
		}
		seen[name] = true
		if a.Source.Identity() == a.Destination.Identity() {
			return fmt.Errorf("activity %q copies %s onto itself", a.Name, a.Source.Identity())
		}
	}
	if l := p.Bookmark.Lease; l != nil && l.RenewEvery >= l.Duration {
		return fmt.Errorf("bookmark.lease.renew_every (%s) must be shorter than duration (%s)", l.RenewEvery, l.Duration)
	}
	return nil
}

// overrides are the settings environment variables may replace.
type overrides struct {
	BookmarkPath    string         `env:"BOOKMARK_PATH"`
	LeaseHolder     string         `env:"LEASE_HOLDER"`
	IterationPeriod *time.Duration `env:"ITERATION_PERIOD"`
	PollInterval    *time.Duration `env:"POLL_INTERVAL"`
	MaxBlockRetries *int           `env:"MAX_BLOCK_RETRIES"`
	RetryAttempts   *int           `env:"RETRY_MAX_ATTEMPTS"`
}

// ApplyEnv overrides settings from KUSTOCOPY_* variables. A nil environ
// reads the process environment.
func (p *Parameters) ApplyEnv(environ map[string]string) error {
	var o overrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.BookmarkPath != "" {
		p.Bookmark.Path = o.BookmarkPath
	}
	if o.LeaseHolder != "" && p.Bookmark.Lease != nil {
		p.Bookmark.Lease.Holder = o.LeaseHolder
	}
	if o.IterationPeriod != nil {
		p.Runner.IterationPeriod = *o.IterationPeriod
	}
	if o.PollInterval != nil {
		p.Runner.PollInterval = *o.PollInterval
	}
	if o.MaxBlockRetries != nil {
		if *o.MaxBlockRetries < 0 {
			return fmt.Errorf("%w: %sMAX_BLOCK_RETRIES must not be negative", ErrInvalid, EnvPrefix)
		}
		p.Runner.MaxBlockRetries = *o.MaxBlockRetries
	}
	if o.RetryAttempts != nil {
		if *o.RetryAttempts < 1 {
			return fmt.Errorf("%w: %sRETRY_MAX_ATTEMPTS must be at least 1", ErrInvalid, EnvPrefix)
		}
		p.Retry.MaxAttempts = *o.RetryAttempts
	}
	return nil
}
