package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
)

// OutputCallback is invoked with incremental build or container log lines.
type OutputCallback func(string)

// BuildImage creates a Docker image from the provided directory using the
// default Dockerfile, streaming builder messages to the callback.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput OutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image build: %s", errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

// EnsureImage pulls an image unless a local copy exists. Two workers pulling
// the same image concurrently is safe; the daemon deduplicates.
func (c *Client) EnsureImage(ctx context.Context, ref string, onOutput OutputCallback) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	local, err := c.inner.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if len(local) > 0 {
		return nil
	}
	reader, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	decoder := json.NewDecoder(reader)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("pull image %s: %s", ref, errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

// RunOptions configures a one-shot build container.
type RunOptions struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Binds      []string
	Memory     int64
	NanoCPUs   int64
}

// RunContainer creates and starts a container, streams its combined output
// to the callback, and blocks until it exits, returning the exit code. The
// container is left in place; callers remove it via RemoveContainer.
func (c *Client) RunContainer(ctx context.Context, opts RunOptions, onOutput OutputCallback) (int64, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return 0, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(opts.Image) == "" {
		return 0, fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Cmd,
		Env:        opts.Env,
		WorkingDir: opts.WorkingDir,
	}
	hostCfg := &container.HostConfig{
		Binds: opts.Binds,
		Resources: container.Resources{
			Memory:   opts.Memory,
			NanoCPUs: opts.NanoCPUs,
		},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return 0, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return 0, fmt.Errorf("container start: %w", err)
	}

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		c.streamLogs(ctx, created.ID, onOutput)
	}()

	exitCode, err := c.WaitForStop(ctx, created.ID)
	<-logsDone
	if err != nil {
		return 0, err
	}
	return exitCode, nil
}

// streamLogs copies demultiplexed container output line-by-line into the
// callback until the stream ends.
func (c *Client) streamLogs(ctx context.Context, containerID string, onOutput OutputCallback) {
	if onOutput == nil {
		return
	}
	reader, err := c.inner.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer reader.Close()

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(copyErr)
	}()
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 512*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			onOutput(line)
		}
	}
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, ErrNotFound
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

type streamMessage struct {
	Stream         string            `json:"stream"`
	Status         string            `json:"status"`
	ID             string            `json:"id"`
	Progress       string            `json:"progress"`
	ProgressDetail progressDetail    `json:"progressDetail"`
	Error          string            `json:"error"`
	ErrorDetail    streamErrorDetail `json:"errorDetail"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type streamErrorDetail struct {
	Message string `json:"message"`
}

func (m streamMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m streamMessage) render() string {
	if m.Stream != "" {
		return strings.TrimSpace(m.Stream)
	}
	if m.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if strings.TrimSpace(m.ID) != "" {
		parts = append(parts, strings.TrimSpace(m.ID))
	}
	parts = append(parts, strings.TrimSpace(m.Status))
	progress := strings.TrimSpace(m.Progress)
	if progress == "" && m.ProgressDetail.Total > 0 {
		progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
	}
	if progress != "" {
		parts = append(parts, progress)
	}
	return strings.Join(parts, " ")
}
