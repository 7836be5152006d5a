// Package nodetool wraps the external node CLI: identity creation, status
// queries, node configuration and the live event command.
package nodetool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/seedhost/pkg/types"
)

const (
	defaultTimeout = 30 * time.Second

	// HomeEnv points the node CLI at an identity directory
	HomeEnv = "RAD_HOME"

	configFile = "config.json"
	didPrefix  = "did:key:"
)

// Runner executes a command and returns its standard output
type Runner func(ctx context.Context, argv, env []string, stdin io.Reader) ([]byte, error)

// Config holds the command templates. Templates may use the {alias},
// {container}, {home} and {user} placeholders.
type Config struct {
	Identity []string
	Status   []string
	Events   []string

	// TempDir receives identities before they are moved into place
	TempDir string
	Timeout time.Duration
}

// Tool runs node CLI commands
type Tool struct {
	cfg Config
	run Runner
}

// Identity is freshly generated node identity material
type Identity struct {
	NodeID string
	Home   string
}

// New creates a Tool. A nil runner executes commands on the host.
func New(cfg Config, run Runner) *Tool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if run == nil {
		run = ExecRunner
	}
	return &Tool{cfg: cfg, run: run}
}

// Expand substitutes placeholders in a command template
func Expand(template []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}

// ExecRunner runs argv on the host
func ExecRunner(ctx context.Context, argv, env []string, stdin io.Reader) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command specified")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	return stdout.Bytes(), nil
}

// CreateIdentity generates a node identity in a new temporary directory.
// The caller moves it into place with MoveIdentity.
func (t *Tool) CreateIdentity(ctx context.Context, alias string) (*Identity, error) {
	if err := os.MkdirAll(t.cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	home, err := os.MkdirTemp(t.cfg.TempDir, "identity-")
	if err != nil {
		return nil, fmt.Errorf("failed to create identity dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	argv := Expand(t.cfg.Identity, map[string]string{"alias": alias, "home": home})
	out, err := t.run(ctx, argv, []string{HomeEnv + "=" + home}, strings.NewReader("\n"))
	if err != nil {
		_ = os.RemoveAll(home)
		return nil, fmt.Errorf("identity command failed: %w", err)
	}

	nodeID, err := parseNodeID(out)
	if err != nil {
		_ = os.RemoveAll(home)
		return nil, err
	}
	return &Identity{NodeID: nodeID, Home: home}, nil
}

// parseNodeID takes the last non-empty output line as the node ID
func parseNodeID(out []byte) (string, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return "", errors.New("identity command printed no node id")
	}
	if fields := strings.Fields(last); len(fields) > 1 {
		last = fields[len(fields)-1]
	}
	return strings.TrimPrefix(last, didPrefix), nil
}

// MoveIdentity moves identity material into its permanent location
func (t *Tool) MoveIdentity(id *Identity, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create storage parent: %w", err)
	}
	if err := os.Rename(id.Home, dest); err != nil {
		return fmt.Errorf("failed to move identity to %s: %w", dest, err)
	}
	id.Home = dest
	return nil
}

// SetExternalAddress records addr as the node's externally reachable
// address in the node configuration under home, keeping all other settings.
func (t *Tool) SetExternalAddress(home, addr string) error {
	path := filepath.Join(home, configFile)

	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	node, _ := doc["node"].(map[string]any)
	if node == nil {
		node = map[string]any{}
	}
	node["externalAddresses"] = []string{addr}
	doc["node"] = node

	data, err = json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// EventsArgv builds the live event command for a user's node container
func (t *Tool) EventsArgv(userKey, containerRef string) []string {
	return Expand(t.cfg.Events, map[string]string{"user": userKey, "container": containerRef})
}

// NodeStatus runs the status command for node and measures its storage.
// It satisfies monitor.StatusSource.
func (t *Tool) NodeStatus(ctx context.Context, node types.Node) (types.NodeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	argv := Expand(t.cfg.Status, map[string]string{
		"alias":     node.Alias,
		"container": node.Containers().Node,
		"home":      node.StoragePath,
		"user":      node.UserID,
	})
	out, err := t.run(ctx, argv, nil, nil)
	if err != nil {
		return types.NodeStatus{}, fmt.Errorf("status command failed: %w", err)
	}

	var status types.NodeStatus
	if err := json.Unmarshal(bytes.TrimSpace(out), &status); err != nil {
		return types.NodeStatus{}, fmt.Errorf("failed to parse status output: %w", err)
	}

	if node.StoragePath != "" {
		size, err := DirSize(node.StoragePath)
		if err != nil {
			return types.NodeStatus{}, err
		}
		status.SizeBytes = size
	}
	return status, nil
}

// DirSize sums the sizes of regular files below root
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", root, err)
	}
	return total, nil
}
