package builder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/Abhinav21110/deployify/internal/docker"
	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/fsutil"
	"github.com/Abhinav21110/deployify/internal/git"
	"github.com/Abhinav21110/deployify/internal/workspace"
)

const (
	nodeImage   = "node:20-alpine"
	pythonImage = "python:3.12-slim"

	buildMemoryBytes = 4 << 30 // 4 GiB
	buildNanoCPUs    = 1e9     // ~1 CPU share

	containerRemoveTimeout = 30 * time.Second
	buildTailLines         = 50
)

// Emitter receives progress events bound for the log bus.
type Emitter func(level, step, message string, metadata map[string]any)

// Engine produces an artifact directory from a repository reference plus a
// detection result, emitting progress along the way.
type Engine interface {
	Clone(ctx context.Context, dep domain.Deployment, emit Emitter) (string, error)
	Build(ctx context.Context, dep domain.Deployment, det domain.DetectionResult, workdir string, emit Emitter) (string, error)
	Cleanup(workdir string) error
}

// Docker is the container-backed Engine.
type Docker struct {
	docker *docker.Client
	ws     *workspace.Manager
	logger *slog.Logger
}

// New constructs the builder.
func New(cli *docker.Client, ws *workspace.Manager, logger *slog.Logger) *Docker {
	return &Docker{docker: cli, ws: ws, logger: logger}
}

var _ Engine = (*Docker)(nil)

// Clone prepares a fresh workspace and shallow-clones the requested branch,
// falling back through main, master, develop, dev, and finally the
// repository default when the branch does not exist. The workspace is wiped
// between attempts.
func (d *Docker) Clone(ctx context.Context, dep domain.Deployment, emit Emitter) (string, error) {
	workdir, err := d.ws.Prepare(dep.ID)
	if err != nil {
		return "", domain.Wrap(domain.KindClone, err, "prepare workspace")
	}

	branch := dep.Branch
	emit(domain.LevelInfo, "clone", fmt.Sprintf("cloning %s (branch %s)", dep.RepoURL, branch), nil)
	firstErr := git.Clone(ctx, dep.RepoURL, branch, workdir)
	if firstErr == nil {
		return workdir, nil
	}
	if !git.BranchNotFound(firstErr) {
		return "", domain.Wrap(domain.KindClone, firstErr, "clone %s", dep.RepoURL)
	}

	lastErr := firstErr
	for _, candidate := range git.FallbackCandidates(branch) {
		if err := d.ws.Wipe(workdir); err != nil {
			return "", domain.Wrap(domain.KindClone, err, "wipe workspace between clone attempts")
		}
		label := candidate
		if label == "" {
			label = "repository default"
		}
		emit(domain.LevelWarn, "clone", fmt.Sprintf("branch %s not found, trying %s", branch, label), nil)
		if err := git.Clone(ctx, dep.RepoURL, candidate, workdir); err != nil {
			lastErr = err
			if git.BranchNotFound(err) {
				continue
			}
			break
		}
		emit(domain.LevelInfo, "clone", fmt.Sprintf("cloned %s via fallback %s", dep.RepoURL, label), nil)
		return workdir, nil
	}
	return "", domain.E(domain.KindClone,
		"clone %s failed after branch fallbacks: first error: %v; last error: %v", dep.RepoURL, firstErr, lastErr)
}

// Build runs the build protocol and returns the artifact directory. Pure
// static workspaces skip the container entirely; a root Dockerfile switches
// to an image build; everything else runs install-and-build inside a
// language container with the workspace bind-mounted.
func (d *Docker) Build(ctx context.Context, dep domain.Deployment, det domain.DetectionResult, workdir string, emit Emitter) (string, error) {
	switch {
	case fsutil.Exists(filepath.Join(workdir, "Dockerfile")):
		if err := d.ensureDaemon(ctx); err != nil {
			return "", err
		}
		emit(domain.LevelInfo, "build", "Dockerfile found, building image", nil)
		tag := "deployify-" + dep.ID
		err := d.docker.BuildImage(ctx, workdir, tag, nil, func(line string) {
			emit(domain.LevelInfo, "build", line, nil)
		})
		if err != nil {
			return "", domain.Wrap(domain.KindBuild, err, "image build")
		}
		emit(domain.LevelInfo, "build", "image built", map[string]any{"tag": tag})

	case det.IsPureStatic || buildScript(dep, det) == "":
		emit(domain.LevelInfo, "build", "no build required", nil)

	default:
		if err := d.ensureDaemon(ctx); err != nil {
			return "", err
		}
		if err := d.runBuildContainer(ctx, dep, det, workdir, emit); err != nil {
			return "", err
		}
	}
	return d.resolveArtifact(dep, det, workdir, emit), nil
}

// Cleanup removes the workspace directory.
func (d *Docker) Cleanup(workdir string) error {
	if workdir == "" {
		return nil
	}
	return d.ws.Cleanup(workdir)
}

func (d *Docker) ensureDaemon(ctx context.Context) error {
	if err := d.docker.Ping(ctx); err != nil {
		return domain.Wrap(domain.KindContainerUnavailable, err, "container daemon unreachable")
	}
	return nil
}

func (d *Docker) runBuildContainer(ctx context.Context, dep domain.Deployment, det domain.DetectionResult, workdir string, emit Emitter) error {
	image := imageFor(det)
	if err := d.docker.EnsureImage(ctx, image, func(line string) {
		emit(domain.LevelDebug, "build", line, nil)
	}); err != nil {
		return domain.Wrap(domain.KindBuild, err, "prepare build image")
	}

	script := installCommand(det.PackageManager) + " && " + buildScript(dep, det)
	emit(domain.LevelInfo, "build", "running build container", map[string]any{
		"image":   image,
		"command": script,
	})

	var env []string
	for key, value := range dep.Config.EnvVars {
		env = append(env, key+"="+value)
	}

	name := "deployify-build-" + dep.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
		defer cancel()
		if err := d.docker.RemoveContainer(removeCtx, name); err != nil {
			d.logger.Warn("build container cleanup failed", "deployment_id", dep.ID, "error", err)
		}
	}()

	tail := make([]string, 0, buildTailLines)
	exitCode, err := d.docker.RunContainer(ctx, docker.RunOptions{
		Name:       name,
		Image:      image,
		Cmd:        []string{"sh", "-c", script},
		Env:        env,
		WorkingDir: "/app",
		Binds:      []string{workdir + ":/app"},
		Memory:     buildMemoryBytes,
		NanoCPUs:   buildNanoCPUs,
	}, func(line string) {
		emit(domain.LevelInfo, "build", line, nil)
		if len(tail) >= buildTailLines {
			tail = tail[1:]
		}
		tail = append(tail, line)
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.Wrap(domain.KindCancelled, ctx.Err(), "build aborted")
		}
		return domain.Wrap(domain.KindBuild, err, "run build container")
	}
	if exitCode != 0 {
		emit(domain.LevelError, "build", fmt.Sprintf("build exited with status %d", exitCode), map[string]any{
			"output_tail": strings.Join(tail, "\n"),
		})
		return domain.E(domain.KindBuild, "build exited with status %d", exitCode)
	}
	emit(domain.LevelInfo, "build", "build completed", nil)
	return nil
}

// resolveArtifact returns the build output directory when it exists, or the
// workspace root with a warn event naming the directories that do exist.
func (d *Docker) resolveArtifact(dep domain.Deployment, det domain.DetectionResult, workdir string, emit Emitter) string {
	buildDir := dep.Config.BuildDirectory
	if buildDir == "" {
		buildDir = det.BuildDirectory
	}
	if buildDir == "" || buildDir == "." {
		return workdir
	}
	candidate := filepath.Join(workdir, filepath.FromSlash(buildDir))
	if fsutil.IsDir(candidate) {
		return candidate
	}
	emit(domain.LevelWarn, "build", fmt.Sprintf("build directory %q not found, using workspace root", buildDir), map[string]any{
		"existing_directories": fsutil.ListDirNames(workdir),
	})
	return workdir
}

// imageFor picks the build container image from the detected framework name:
// Python when it mentions python, Node otherwise.
func imageFor(det domain.DetectionResult) string {
	if strings.Contains(strings.ToLower(det.Framework), "python") {
		return pythonImage
	}
	return nodeImage
}

// installCommand derives the dependency install invocation from the package
// manager.
func installCommand(packageManager string) string {
	switch packageManager {
	case domain.PackageManagerYarn:
		return "yarn install --frozen-lockfile"
	case domain.PackageManagerPNPM:
		return "pnpm install"
	case domain.PackageManagerBun:
		return "bun install"
	default:
		return "npm ci"
	}
}

// buildScript resolves the build command: intake override first, then
// detection.
func buildScript(dep domain.Deployment, det domain.DetectionResult) string {
	if cmd := strings.TrimSpace(dep.Config.BuildCommand); cmd != "" {
		return cmd
	}
	return strings.TrimSpace(det.BuildCommand)
}
