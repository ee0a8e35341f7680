package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// ProjectConfigPath is the project config location relative to the
// repository root.
var ProjectConfigPath = filepath.Join(".config", "worktree-flow.yaml")

// hookObject is the long form of a hook entry.
type hookObject struct {
	Command    string `yaml:"command"`
	Background *bool  `yaml:"background"`
	Runner     string `yaml:"runner"`
	Dir        string `yaml:"dir"`
}

// LoadProject reads <repoRoot>/.config/worktree-flow.yaml into a HookSet.
// A missing file yields an empty set.
//
// Each top-level key is a hook event. Its value takes one of three forms:
//
//	post-create: npm install          # single command, named "post-create"
//	post-start:                       # list, named "post-start-1", "post-start-2"
//	  - npm run dev
//	  - make watch
//	pre-merge:                        # mapping, named by key, in declared order
//	  test: go test ./...
//	  lint:
//	    command: golangci-lint run
//	    runner: container
//
// A list item or mapping value may itself be an object with command,
// background, runner and dir fields.
func LoadProject(repoRoot string) (*model.HookSet, error) {
	path := filepath.Join(repoRoot, ProjectConfigPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.HookSet{}, nil
		}
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}

	set, err := ParseProject(data)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("invalid project config at %s", path), err)
	}
	return set, nil
}

// ParseProject parses project config YAML into a HookSet.
func ParseProject(data []byte) (*model.HookSet, error) {
	set := &model.HookSet{}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return set, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: top level must be a mapping of hook events", root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valueNode := root.Content[i], root.Content[i+1]
		event, err := model.ParseHookEvent(keyNode.Value)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", keyNode.Line, err)
		}
		if len(set.For(event)) > 0 {
			return nil, fmt.Errorf("line %d: duplicate hook event %q", keyNode.Line, event)
		}
		hooks, err := parseHooks(event, valueNode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", event, err)
		}
		set.Set(event, hooks)
	}
	return set, nil
}

func parseHooks(event model.HookEvent, node *yaml.Node) ([]model.Hook, error) {
	prefix := event.String()

	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		h, err := buildHook(event, prefix, node)
		if err != nil {
			return nil, err
		}
		return []model.Hook{h}, nil

	case yaml.SequenceNode:
		hooks := make([]model.Hook, 0, len(node.Content))
		for i, item := range node.Content {
			h, err := buildHook(event, prefix+"-"+strconv.Itoa(i+1), item)
			if err != nil {
				return nil, err
			}
			hooks = append(hooks, h)
		}
		return hooks, nil

	case yaml.MappingNode:
		hooks := make([]model.Hook, 0, len(node.Content)/2)
		seen := map[string]bool{}
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			if name == "" || strings.ContainsAny(name, " \t.") {
				return nil, fmt.Errorf("line %d: invalid hook name %q", node.Content[i].Line, name)
			}
			if seen[name] {
				return nil, fmt.Errorf("line %d: duplicate hook name %q", node.Content[i].Line, name)
			}
			seen[name] = true
			h, err := buildHook(event, name, node.Content[i+1])
			if err != nil {
				return nil, err
			}
			hooks = append(hooks, h)
		}
		return hooks, nil
	}
	return nil, fmt.Errorf("line %d: expected a command, a list or a mapping", node.Line)
}

func buildHook(event model.HookEvent, name string, node *yaml.Node) (model.Hook, error) {
	h := model.Hook{
		Event:  event,
		Name:   name,
		Mode:   event.DefaultMode(),
		Runner: model.RunnerHost,
	}

	switch node.Kind {
	case yaml.ScalarNode:
		h.Command = node.Value
	case yaml.MappingNode:
		var obj hookObject
		if err := node.Decode(&obj); err != nil {
			return h, fmt.Errorf("line %d: %w", node.Line, err)
		}
		h.Command = obj.Command
		h.Dir = obj.Dir
		if obj.Background != nil {
			h.Mode = model.ModeBlocking
			if *obj.Background {
				h.Mode = model.ModeBackground
			}
		}
		switch model.RunnerKind(obj.Runner) {
		case "", model.RunnerHost:
		case model.RunnerContainer:
			h.Runner = model.RunnerContainer
		default:
			return h, fmt.Errorf("line %d: unknown runner %q (valid: host, container)", node.Line, obj.Runner)
		}
	default:
		return h, fmt.Errorf("line %d: hook %q must be a command string or an object", node.Line, name)
	}

	if strings.TrimSpace(h.Command) == "" {
		return h, fmt.Errorf("line %d: hook %q has an empty command", node.Line, name)
	}
	return h, nil
}

// ProjectIdentifier returns the key approvals are stored under: the origin
// remote normalized to "host/path" when one exists, so every clone of a
// project shares approvals, else the absolute repository root.
func ProjectIdentifier(remoteURL, repoRoot string) string {
	if id, err := normalizeRemote(remoteURL); err == nil && id != "" {
		return id
	}
	return filepath.Clean(repoRoot)
}

func normalizeRemote(remote string) (string, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", errors.New("empty remote")
	}

	var host, path string
	if strings.Contains(remote, "://") {
		u, err := url.Parse(remote)
		if err != nil {
			return "", err
		}
		host, path = u.Hostname(), u.Path
	} else if at := strings.Index(remote, "@"); at >= 0 && strings.Contains(remote[at:], ":") {
		// scp-like syntax: git@github.com:owner/repo.git
		rest := remote[at+1:]
		host, path, _ = strings.Cut(rest, ":")
	} else {
		return "", fmt.Errorf("unrecognized remote %q", remote)
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	if host == "" || path == "" {
		return "", fmt.Errorf("unrecognized remote %q", remote)
	}
	return strings.ToLower(host) + "/" + path, nil
}
