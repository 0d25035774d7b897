package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/pkg/docker"
)

const harness = `'use strict';
const fs = require('fs');
const vm = require('vm');
const dir = process.argv[2];
const inputs = JSON.parse(fs.readFileSync(dir + '/inputs.json', 'utf8'));
const source = fs.readFileSync(dir + '/policy.js', 'utf8');
const context = vm.createContext(Object.create(null));
const out = [];
try {
  vm.runInContext(source, context, { timeout: 1000 });
} catch (err) {
  process.stdout.write(JSON.stringify({ fatal: String(err && err.message || err) }));
  process.exit(0);
}
if (typeof context.score !== 'function') {
  process.stdout.write(JSON.stringify({ fatal: 'policy must define function score(raw)' }));
  process.exit(0);
}
for (const raw of inputs) {
  try {
    context.__raw = raw;
    const value = vm.runInContext('score(__raw)', context, { timeout: 250 });
    if (typeof value !== 'number' || !isFinite(value)) {
      out.push({ error: 'score must return a finite number' });
    } else {
      out.push({ value: value });
    }
  } catch (err) {
    out.push({ error: String(err && err.message || err) });
  }
}
process.stdout.write(JSON.stringify({ results: out }));
`

type sandboxOutput struct {
	Fatal   string `json:"fatal"`
	Results []struct {
		Value *float64 `json:"value"`
		Error string   `json:"error"`
	} `json:"results"`
}

// JavaScriptConfig configures the sandboxed JavaScript runtime.
type JavaScriptConfig struct {
	Image         string
	Timeout       time.Duration
	WorkspaceRoot string
}

// JavaScriptRunner runs instructor-authored score(raw) functions inside the container sandbox.
type JavaScriptRunner struct {
	sandbox docker.Runner
	mount   string
	cfg     JavaScriptConfig
	logger  zerolog.Logger
}

// NewJavaScriptRunner wires the runner to a sandbox. mount is the workspace path inside the container.
func NewJavaScriptRunner(sandbox docker.Runner, mount string, cfg JavaScriptConfig, logger zerolog.Logger) *JavaScriptRunner {
	if cfg.Image == "" {
		cfg.Image = "node:20-alpine"
	}
	if mount == "" {
		mount = "/workspace"
	}
	return &JavaScriptRunner{
		sandbox: sandbox,
		mount:   mount,
		cfg:     cfg,
		logger:  logger.With().Str("component", "policy_javascript").Logger(),
	}
}

func (r *JavaScriptRunner) Validate(policy models.Policy) error {
	source := strings.TrimSpace(policy.Source)
	if source == "" {
		return errors.New("javascript policy source is required")
	}
	if !strings.Contains(source, "score") {
		return errors.New("javascript policy must define function score(raw)")
	}
	return nil
}

// Score runs the whole batch in one container. Exceptions thrown by score() stay per row.
func (r *JavaScriptRunner) Score(ctx context.Context, policy models.Policy, raws []float64) ([]Outcome, error) {
	if err := r.Validate(policy); err != nil {
		return failAll(len(raws), err), nil
	}

	workspace, err := os.MkdirTemp(r.cfg.WorkspaceRoot, "policy-*")
	if err != nil {
		return nil, fmt.Errorf("create policy workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			r.logger.Warn().Err(err).Str("workspace", workspace).Msg("failed to remove policy workspace")
		}
	}()
	if err := os.Chmod(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("prepare policy workspace: %w", err)
	}

	inputs, err := json.Marshal(raws)
	if err != nil {
		return nil, fmt.Errorf("encode policy inputs: %w", err)
	}
	files := map[string][]byte{
		"harness.js":  []byte(harness),
		"policy.js":   []byte(policy.Source),
		"inputs.json": inputs,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(workspace, name), content, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}

	result, err := r.sandbox.Run(ctx, docker.RunRequest{
		Image:     r.cfg.Image,
		Cmd:       []string{"node", path.Join(r.mount, "harness.js"), r.mount},
		Workspace: workspace,
		Timeout:   r.cfg.Timeout,
	})
	if err != nil {
		if errors.Is(err, docker.ErrTimeout) {
			return failAll(len(raws), err), nil
		}
		return nil, err
	}
	if result.ExitCode != 0 {
		return failAll(len(raws), fmt.Errorf("policy process exited with code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))), nil
	}

	outcomes, err := decodeSandboxOutput(result.Stdout, len(raws))
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Uint("policy_id", policy.ID).
		Int("version", policy.Version).
		Int("inputs", len(raws)).
		Dur("duration", result.Duration).
		Msg("policy batch executed")
	return outcomes, nil
}

func decodeSandboxOutput(stdout string, expected int) ([]Outcome, error) {
	var output sandboxOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &output); err != nil {
		return nil, fmt.Errorf("decode sandbox output: %w", err)
	}
	if output.Fatal != "" {
		return failAll(expected, errors.New(output.Fatal)), nil
	}
	if len(output.Results) != expected {
		return nil, fmt.Errorf("sandbox returned %d results for %d inputs", len(output.Results), expected)
	}

	outcomes := make([]Outcome, expected)
	for idx, item := range output.Results {
		switch {
		case item.Error != "":
			outcomes[idx] = Outcome{Err: errors.New(item.Error)}
		case item.Value == nil:
			outcomes[idx] = Outcome{Err: errors.New("score returned no value")}
		default:
			outcomes[idx] = Outcome{Value: *item.Value}
		}
	}
	return outcomes, nil
}

func failAll(n int, err error) []Outcome {
	outcomes := make([]Outcome, n)
	for idx := range outcomes {
		outcomes[idx] = Outcome{Err: err}
	}
	return outcomes
}
