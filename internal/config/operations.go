package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// CommandSpec is one step of a command-backed operation.
type CommandSpec struct {
	Name    string            `yaml:"name"`
	Args    []string          `yaml:"run"`
	Sudo    bool              `yaml:"sudo"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// OperationSpec describes how an activity type is carried out.
type OperationSpec struct {
	Description string        `yaml:"description"`
	Commands    []CommandSpec `yaml:"commands"`
}

// Operations maps activity types to their command templates.
type Operations struct {
	Operations map[string]OperationSpec `yaml:"operations"`
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// ErrMissingParam is returned when a template references an absent parameter.
var ErrMissingParam = errors.New("missing operation parameter")

// DefaultOperations is used when no operations file exists.
func DefaultOperations() *Operations {
	return &Operations{Operations: map[string]OperationSpec{
		"module-change": {
			Description: "Install or remove a module",
			Commands: []CommandSpec{{
				Name: "module",
				Args: []string{"/usr/local/sbin/hostdeck-module", "{{action}}", "{{module}}"},
				Sudo: true,
			}},
		},
		"backup": {
			Description: "Run a backup",
			Commands: []CommandSpec{{
				Name: "backup",
				Args: []string{"/usr/local/sbin/hostdeck-backup", "{{target}}"},
				Sudo: true,
			}},
		},
	}}
}

// LoadOperations reads the operations file, falling back to the defaults when
// it does not exist.
func LoadOperations(path string) (*Operations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("file", path).Msg("No operations file found, using built-in operations")
			return DefaultOperations(), nil
		}
		return nil, fmt.Errorf("read operations file: %w", err)
	}

	var ops Operations
	if err := yaml.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("parse operations file %s: %w", path, err)
	}
	if err := ops.Validate(); err != nil {
		return nil, fmt.Errorf("operations file %s: %w", path, err)
	}

	log.Info().Str("file", path).Strs("types", ops.Types()).Msg("Loaded operations")
	return &ops, nil
}

// Validate checks that every operation has at least one runnable command.
func (o *Operations) Validate() error {
	if len(o.Operations) == 0 {
		return fmt.Errorf("no operations defined")
	}
	for name, op := range o.Operations {
		if len(op.Commands) == 0 {
			return fmt.Errorf("operation %q has no commands", name)
		}
		for i, cmd := range op.Commands {
			if len(cmd.Args) == 0 || strings.TrimSpace(cmd.Args[0]) == "" {
				return fmt.Errorf("operation %q command %d has an empty run list", name, i+1)
			}
			if cmd.Timeout < 0 {
				return fmt.Errorf("operation %q command %d has a negative timeout", name, i+1)
			}
		}
	}
	return nil
}

// Get returns the operation for an activity type.
func (o *Operations) Get(activityType string) (OperationSpec, bool) {
	op, ok := o.Operations[activityType]
	return op, ok
}

// Types lists the configured activity types in sorted order.
func (o *Operations) Types() []string {
	types := make([]string, 0, len(o.Operations))
	for name := range o.Operations {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Expand fills {{name}} placeholders in the command arguments from params.
// Values are passed as single arguments, never through a shell.
func (c CommandSpec) Expand(params map[string]string) ([]string, error) {
	out := make([]string, len(c.Args))
	for i, arg := range c.Args {
		var missing []string
		var invalid string
		out[i] = placeholderPattern.ReplaceAllStringFunc(arg, func(match string) string {
			key := placeholderPattern.FindStringSubmatch(match)[1]
			value, ok := params[key]
			if !ok {
				missing = append(missing, key)
				return match
			}
			if strings.HasPrefix(value, "-") || strings.ContainsAny(value, "\x00\n\r") {
				invalid = key
			}
			return value
		})
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, strings.Join(missing, ", "))
		}
		if invalid != "" {
			return nil, fmt.Errorf("invalid value for parameter %q", invalid)
		}
	}
	return out, nil
}
