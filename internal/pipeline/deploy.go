package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/aristath/roadrunner/internal/roadmap"
)

// NoDeployEnv globally suppresses deploy hooks when set to any non-empty
// value, regardless of roadmap configuration.
const NoDeployEnv = "RUNNER_NO_DEPLOY"

const deployTimeout = 10 * time.Minute

// runDeploy executes the project's deploy script after a gated task's
// commit. The script receives the roadmap deploy env as DEPLOY_-prefixed
// variables. A failing script is reported but never reverts the commit.
func runDeploy(ctx context.Context, projectDir string, cfg *roadmap.DeployConfig, t *roadmap.Task) error {
	if os.Getenv(NoDeployEnv) != "" {
		log.Printf("deploy suppressed by %s for task %03d", NoDeployEnv, t.ID)
		return nil
	}
	if cfg == nil || cfg.Script == "" {
		return fmt.Errorf("deploy gated for task %03d but no script configured", t.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, deployTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, cfg.Script)
	cmd.Dir = projectDir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("DEPLOY_%s=%s", k, v))
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("deploy script %s: %w\n%s", cfg.Script, err, string(out))
	}
	return nil
}
