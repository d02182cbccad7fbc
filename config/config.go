// Package config holds engine parameters and the stream run file.
//
// Engine parameters arrive either as a key/value map (the engine parameter
// form, keys case-insensitive, as in Threading=true) or as a YAML run file
// that also describes the stream topology used by the command-line tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every parameter validation failure.
var ErrInvalid = errors.New("config: invalid parameter")

// Params are the options an engine consumes.
type Params struct {
	// Threading negotiates the next flexible step on a background task.
	Threading bool `yaml:"threading"`
	// OpenTimeoutSecs bounds the handshake.
	OpenTimeoutSecs int `yaml:"open_timeout_secs"`
	// Verbose is the diagnostic level: 5 logs step transitions, 20 dumps
	// patterns.
	Verbose int `yaml:"verbose"`
}

// Defaults returns the parameters used when nothing is set.
func Defaults() Params {
	return Params{OpenTimeoutSecs: 10}
}

// OpenTimeout is OpenTimeoutSecs as a duration.
func (p Params) OpenTimeout() time.Duration {
	return time.Duration(p.OpenTimeoutSecs) * time.Second
}

// Validate checks ranges.
func (p Params) Validate() error {
	if p.OpenTimeoutSecs < 0 {
		return fmt.Errorf("%w: OpenTimeoutSecs %d", ErrInvalid, p.OpenTimeoutSecs)
	}
	if p.Verbose < 0 {
		return fmt.Errorf("%w: Verbose %d", ErrInvalid, p.Verbose)
	}
	return nil
}

// FromMap applies an engine parameter map over the defaults. Unknown keys
// are ignored.
func FromMap(m map[string]string) (Params, error) {
	p := Defaults()
	for k, v := range m {
		if err := p.set(k, v); err != nil {
			return Params{}, err
		}
	}
	return p, p.Validate()
}

func (p *Params) set(key, value string) error {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "threading":
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return fmt.Errorf("%w: Threading=%q", ErrInvalid, value)
		}
		p.Threading = b
	case "opentimeoutsecs":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: OpenTimeoutSecs=%q", ErrInvalid, value)
		}
		p.OpenTimeoutSecs = n
	case "verbose":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: Verbose=%q", ErrInvalid, value)
		}
		p.Verbose = n
	}
	return nil
}

// ParseParams reads "key = value" lines, '#' starting a comment, and
// applies them over the defaults.
func ParseParams(src []byte) (Params, error) {
	p := Defaults()
	for i, line := range strings.Split(string(src), "\n") {
		if j := strings.IndexByte(line, '#'); j >= 0 {
			line = line[:j]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Params{}, fmt.Errorf("line %d: missing '=' in %q", i+1, line)
		}
		if err := p.set(key, value); err != nil {
			return Params{}, fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return p, p.Validate()
}

// Stream describes the topology the tools run.
type Stream struct {
	Name    string `yaml:"name"`
	Writers int    `yaml:"writers"`
	Readers int    `yaml:"readers"`
	Steps   int    `yaml:"steps"`
	// Elements is the number of float64 elements each writer publishes
	// per step.
	Elements int `yaml:"elements"`
	// Remote routes reader gets through the gRPC window service.
	Remote bool `yaml:"remote"`
}

// File is a run file.
type File struct {
	Engine Params `yaml:"engine"`
	Stream Stream `yaml:"stream"`
}

// DefaultFile returns the run used when no file is given.
func DefaultFile() File {
	return File{
		Engine: Defaults(),
		Stream: Stream{Name: "stagestream", Writers: 2, Readers: 2, Steps: 10, Elements: 1024},
	}
}

// Validate checks the whole run file.
func (f *File) Validate() error {
	if err := f.Engine.Validate(); err != nil {
		return err
	}
	s := f.Stream
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: empty stream name", ErrInvalid)
	case s.Writers < 1 || s.Readers < 1:
		return fmt.Errorf("%w: %d writers, %d readers", ErrInvalid, s.Writers, s.Readers)
	case s.Steps < 1:
		return fmt.Errorf("%w: %d steps", ErrInvalid, s.Steps)
	case s.Elements < 1:
		return fmt.Errorf("%w: %d elements", ErrInvalid, s.Elements)
	}
	return nil
}

// Load reads a run file. YAML files (.yaml, .yml) may set any field;
// other files are parsed with ParseParams and only set engine parameters.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	f := DefaultFile()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		p, err := ParseParams(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		f.Engine = p
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &f, nil
}

// Marshal renders a run file as YAML.
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}
