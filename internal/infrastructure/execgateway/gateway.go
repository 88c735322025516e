// Package execgateway implements [domain.AssetGateway] by executing
// patch scripts through a configured runner command, typically an ssh
// wrapper that takes the asset ID as its first argument.
package execgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// Config tunes the script runner.
type Config struct {
	// Runner is the command prefix invoked as
	// `runner <asset-id> <script>`; it is responsible for reaching the
	// asset. Empty means "sh -c" with the asset ID in VULNZERO_ASSET_ID,
	// which only makes sense for local smoke setups.
	Runner []string
	// ProbeCommand prints one JSON health sample for the asset on
	// stdout, invoked as `probe <asset-id>`.
	ProbeCommand []string
}

// Gateway executes apply, probe and rollback scripts on assets.
type Gateway struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Gateway {
	return &Gateway{cfg: cfg, log: log}
}

func (g *Gateway) Apply(ctx context.Context, asset domain.AssetID, script domain.PatchScript) error {
	return g.runScript(ctx, "apply", asset, script)
}

// Rollback is idempotent as long as the patch's compensating script is;
// the gateway itself adds no state.
func (g *Gateway) Rollback(ctx context.Context, asset domain.AssetID, script domain.PatchScript) error {
	return g.runScript(ctx, "rollback", asset, script)
}

func (g *Gateway) Probe(ctx context.Context, asset domain.AssetID) (domain.HealthSample, error) {
	if len(g.cfg.ProbeCommand) == 0 {
		return domain.HealthSample{}, &domain.PermanentError{Op: "probe", Err: errors.New("no probe command configured")}
	}
	args := append(append([]string{}, g.cfg.ProbeCommand[1:]...), string(asset))
	cmd := exec.CommandContext(ctx, g.cfg.ProbeCommand[0], args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return domain.HealthSample{}, classify("probe", err)
	}

	var sample domain.HealthSample
	if err := json.Unmarshal(stdout.Bytes(), &sample); err != nil {
		return domain.HealthSample{}, &domain.PermanentError{Op: "probe", Err: fmt.Errorf("decode sample: %w", err)}
	}
	if sample.TakenAt.IsZero() {
		sample.TakenAt = time.Now()
	}
	return sample, nil
}

func (g *Gateway) runScript(ctx context.Context, op string, asset domain.AssetID, script domain.PatchScript) error {
	var cmd *exec.Cmd
	if len(g.cfg.Runner) > 0 {
		args := append(append([]string{}, g.cfg.Runner[1:]...), string(asset), string(script))
		cmd = exec.CommandContext(ctx, g.cfg.Runner[0], args...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", string(script))
		cmd.Env = append(cmd.Environ(), "VULNZERO_ASSET_ID="+string(asset))
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	g.log.Debug().
		Str("op", op).
		Str("asset", string(asset)).
		Dur("took", time.Since(start)).
		Err(err).
		Msg("script executed")
	if err != nil {
		return classify(op, fmt.Errorf("%w: %s", err, firstLine(output.Bytes())))
	}
	return nil
}

// classify maps process failures onto the gateway error taxonomy. A
// script that ran and exited non-zero made a decision; anything else,
// the runner could not reach the asset at all.
func classify(op string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &domain.PermanentError{Op: op, Err: err}
	}
	return &domain.TransientError{Op: op, Err: err}
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
