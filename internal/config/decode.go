package config

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// document is the on-disk shape shared by the directive, YAML and TOML formats.
type document struct {
	Watch          []string `yaml:"watch" toml:"watch"`
	Ignore         []string `yaml:"ignore" toml:"ignore"`
	Remote         string   `yaml:"remote" toml:"remote"`
	RestoreURL     string   `yaml:"restore_url" toml:"restore_url"`
	Cooldown       int      `yaml:"cooldown" toml:"cooldown"`
	Branch         string   `yaml:"branch" toml:"branch"`
	Home           string   `yaml:"home" toml:"home"`
	MirrorDir      string   `yaml:"mirror_dir" toml:"mirror_dir"`
	StateDir       string   `yaml:"state_dir" toml:"state_dir"`
	NetworkTimeout int      `yaml:"network_timeout" toml:"network_timeout"`
	SSHKeyFile     string   `yaml:"ssh_key_file" toml:"ssh_key_file"`
	HTTPSTokenFile string   `yaml:"https_token_file" toml:"https_token_file"`
	VCS            string   `yaml:"vcs" toml:"vcs"`
	AuthorName     string   `yaml:"author_name" toml:"author_name"`
	AuthorEmail    string   `yaml:"author_email" toml:"author_email"`
}

type directive func(d *document, value string) error

var directives = map[string]directive{
	"watch":            func(d *document, v string) error { d.Watch = append(d.Watch, v); return nil },
	"ignore":           func(d *document, v string) error { d.Ignore = append(d.Ignore, v); return nil },
	"remote":           func(d *document, v string) error { d.Remote = v; return nil },
	"restore_url":      func(d *document, v string) error { d.RestoreURL = v; return nil },
	"branch":           func(d *document, v string) error { d.Branch = v; return nil },
	"home":             func(d *document, v string) error { d.Home = v; return nil },
	"mirror_dir":       func(d *document, v string) error { d.MirrorDir = v; return nil },
	"state_dir":        func(d *document, v string) error { d.StateDir = v; return nil },
	"ssh_key_file":     func(d *document, v string) error { d.SSHKeyFile = v; return nil },
	"https_token_file": func(d *document, v string) error { d.HTTPSTokenFile = v; return nil },
	"vcs":              func(d *document, v string) error { d.VCS = v; return nil },
	"author_name":      func(d *document, v string) error { d.AuthorName = v; return nil },
	"author_email":     func(d *document, v string) error { d.AuthorEmail = v; return nil },
	"cooldown": func(d *document, v string) (err error) {
		d.Cooldown, err = parseSeconds(v)
		return err
	},
	"network_timeout": func(d *document, v string) (err error) {
		d.NetworkTimeout, err = parseSeconds(v)
		return err
	},
}

func parseSeconds(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("expected whole seconds, got %q", v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

// decode picks a parser from the file extension. Anything that is not YAML
// or TOML is read as the line-oriented directive format.
func decode(path string, data []byte) (*document, []string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeStructured(data, yaml.Unmarshal)
	case ".toml":
		return decodeStructured(data, toml.Unmarshal)
	default:
		return parseDirectives(data)
	}
}

func decodeStructured(data []byte, unmarshal func([]byte, any) error) (*document, []string, error) {
	var doc document
	if err := unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}

	var raw map[string]any
	if err := unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}

	var warnings []string
	for key := range raw {
		if _, ok := directives[key]; !ok {
			warnings = append(warnings, fmt.Sprintf("unknown key %q ignored", key))
		}
	}
	sort.Strings(warnings)

	return &doc, warnings, nil
}

// parseDirectives reads "<directive> <value>" lines. Blank lines and lines
// starting with # are skipped, as is a trailing " # comment".
func parseDirectives(data []byte) (*document, []string, error) {
	var (
		doc      document
		warnings []string
		lineNo   int
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if line == "" {
			continue
		}

		name, value := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			name, value = line[:i], line[i+1:]
		}
		name = strings.ToLower(name)
		value = strings.TrimSpace(value)

		apply, ok := directives[name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("line %d: unknown directive %q ignored", lineNo, name))
			continue
		}
		if value == "" {
			return nil, nil, &ValidationError{Line: lineNo, Field: name, Msg: "missing value"}
		}
		if err := apply(&doc, value); err != nil {
			return nil, nil, &ValidationError{Line: lineNo, Field: name, Msg: err.Error()}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return &doc, warnings, nil
}

func stripComment(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") {
		return ""
	}
	for i := 1; i < len(line); i++ {
		if line[i] == '#' && (line[i-1] == ' ' || line[i-1] == '\t') {
			return strings.TrimSpace(line[:i])
		}
	}
	return line
}

func (d *document) toConfig() (*Config, error) {
	if d.Cooldown < 0 {
		return nil, &ValidationError{Field: "cooldown", Msg: "must be positive"}
	}
	if d.NetworkTimeout < 0 {
		return nil, &ValidationError{Field: "network_timeout", Msg: "must be positive"}
	}
	return &Config{
		Watch:          d.Watch,
		Ignore:         d.Ignore,
		Remote:         d.Remote,
		RestoreURL:     d.RestoreURL,
		Branch:         d.Branch,
		Cooldown:       time.Duration(d.Cooldown) * time.Second,
		NetworkTimeout: time.Duration(d.NetworkTimeout) * time.Second,
		VCS:            VCSBackend(d.VCS),
		Paths: PathsConfig{
			Home:      d.Home,
			MirrorDir: d.MirrorDir,
			StateDir:  d.StateDir,
		},
		Auth: AuthConfig{
			SSHKeyFile:     d.SSHKeyFile,
			HTTPSTokenFile: d.HTTPSTokenFile,
		},
		Author: AuthorConfig{
			Name:  d.AuthorName,
			Email: d.AuthorEmail,
		},
	}, nil
}
