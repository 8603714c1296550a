package permission

import (
	"context"
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/deepstream-io/recordd/internal/record"
)

// Rule is one declarative allow/deny entry: Action/NamePattern/User may each
// be "*" to match anything.
type Rule struct {
	Action      string `yaml:"action"`
	NamePattern string `yaml:"namePattern"`
	User        string `yaml:"user"`
	Allow       bool   `yaml:"allow"`
}

var actionNames = map[string]record.Action{
	"*":                    record.ActionUnknown, // wildcard sentinel, never equals a real action
	"CREATE":               record.ActionCreate,
	"READ":                 record.ActionRead,
	"HEAD":                 record.ActionHead,
	"UPDATE":               record.ActionUpdate,
	"PATCH":                record.ActionPatch,
	"ERASE":                record.ActionErase,
	"DELETE":               record.ActionDelete,
	"SUBSCRIBE_CREATE_AND_READ": record.ActionSubscribeCreateAndRead,
	"SUBSCRIBE_AND_HEAD":   record.ActionSubscribeAndHead,
}

// ConfigEvaluator is a reference record.PermissionEvaluator: a first-match
// declarative rule list loaded from YAML, consulted synchronously. It never
// performs I/O of its own, so it never needs the Stability Gate, but
// core.Handler still routes its reads through the gate uniformly (spec.md
// §4.3) since a future evaluator implementation may read the record.
type ConfigEvaluator struct {
	rules []Rule
}

// LoadConfigEvaluator reads a rule file at path. An empty path yields an
// allow-all evaluator.
func LoadConfigEvaluator(path string) (*ConfigEvaluator, error) {
	if path == "" {
		return &ConfigEvaluator{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read permission rules: %w", err)
	}

	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse permission rules: %w", err)
	}

	return &ConfigEvaluator{rules: rules}, nil
}

// CanPerformAction implements record.PermissionEvaluator. With no matching
// rule the action is allowed, so an empty rule file behaves as allow-all.
func (e *ConfigEvaluator) CanPerformAction(
	_ context.Context,
	user string,
	msg record.Message,
	_ []byte,
	_ record.Sender,
	cb func(allowed bool, err error),
) {
	for _, r := range e.rules {
		if r.Action != "*" {
			want, ok := actionNames[r.Action]
			if !ok || want != msg.Action {
				continue
			}
		}
		if r.User != "*" && r.User != user {
			continue
		}
		if r.NamePattern != "*" {
			ok, err := doublestar.Match(r.NamePattern, msg.Name)
			if err != nil {
				cb(false, err)
				return
			}
			if !ok {
				continue
			}
		}
		cb(r.Allow, nil)
		return
	}
	cb(true, nil)
}
