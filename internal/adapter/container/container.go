// Package container drives editor container lifecycle over the Docker
// Engine API. Runtime containers (user code execution) are owned by
// ComputeManager and out of scope here.
package container

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

const (
	opTimeout = 20 * time.Second

	editorMemoryLimitBytes = 512 * 1024 * 1024
	editorRestartPolicy    = "on-failure"
	editorRestartRetries   = 5
)

// Driver wraps the Docker Engine API client for editor container lifecycle.
type Driver struct {
	api *client.Client
}

// NewDriver creates a Driver connected to the given Docker socket.
func NewDriver(dockerSock string) (*Driver, error) {
	var opts []client.Opt
	if strings.HasPrefix(dockerSock, "tcp://") {
		opts = append(opts, client.WithHost(dockerSock))
	} else {
		opts = append(opts,
			client.WithHost("unix://"+dockerSock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", dockerSock, opTimeout)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Driver{api: api}, nil
}

// Close releases the underlying Docker client resources.
func (d *Driver) Close() error {
	return d.api.Close()
}

// Env is the user-identity environment every editor container receives.
type Env struct {
	UserID       string
	UserName     string
	UserUsername string
	UserEmail    string
	UserAvatar   string
	UserPlan     string
}

// RunEditor starts an editor container for a user, removing any stale
// container with the same name first. Matches the argv-equivalent spec:
// host networking, a 512m memory cap, a bind mount of the user data
// directory, and the user-identity environment.
func (d *Driver) RunEditor(ctx context.Context, userID string, editorPort, runtimePort int, userDir, image string, env Env) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	name := editorContainerName(userID)

	if err := d.RemoveContainer(ctx, name); err != nil {
		return "", fmt.Errorf("remove stale editor container %s: %w", name, err)
	}

	cfg := &container.Config{
		Image: image,
		Cmd: []string{
			"node", "/app/mrmd-server/bin/cli.js",
			"--port", fmt.Sprintf("%d", editorPort),
			"--host", "0.0.0.0",
			"--no-auth", "/home/ubuntu",
		},
		Env: []string{
			"HOME=/home/ubuntu",
			"USER=ubuntu",
			"LOGNAME=ubuntu",
			"CLOUD_MODE=1",
			fmt.Sprintf("RUNTIME_PORT=%d", runtimePort),
			fmt.Sprintf("PORT=%d", editorPort),
			fmt.Sprintf("BASE_PATH=/u/%s/", userID),
			"CLOUD_USER_ID=" + env.UserID,
			"CLOUD_USER_NAME=" + env.UserName,
			"CLOUD_USER_USERNAME=" + env.UserUsername,
			"CLOUD_USER_EMAIL=" + env.UserEmail,
			"CLOUD_USER_AVATAR=" + env.UserAvatar,
			"CLOUD_USER_PLAN=" + env.UserPlan,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "host",
		Resources: container.Resources{
			Memory: editorMemoryLimitBytes,
		},
		RestartPolicy: container.RestartPolicy{
			Name:              editorRestartPolicy,
			MaximumRetryCount: editorRestartRetries,
		},
		Binds: []string{userDir + ":/home/ubuntu"},
	}

	resp, err := d.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
	})
	if err != nil {
		return "", fmt.Errorf("create editor container %s: %w", name, err)
	}

	if _, err := d.api.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("start editor container %s: %w", name, err)
	}

	return name, nil
}

// RemoveContainer force-removes a container. Absence is not an error.
func (d *Driver) RemoveContainer(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := d.api.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// RunningContainer is the reconciliation-facing view of a live container.
type RunningContainer struct {
	Name   string
	EnvMap map[string]string
	Status string
}

// ListRunning returns every running container whose name carries the
// editor prefix, for use by the reconciliation loop.
func (d *Driver) ListRunning(ctx context.Context) ([]RunningContainer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := d.api.ContainerList(ctx, client.ContainerListOptions{
		Filters: make(client.Filters).Add("status", "running").Add("name", editorNamePrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("list running containers: %w", err)
	}

	out := make([]RunningContainer, 0, len(result.Items))
	for _, c := range result.Items {
		name := strings.TrimPrefix(firstName(c.Names), "/")
		envMap, err := d.InspectEnv(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, RunningContainer{Name: name, EnvMap: envMap, Status: c.Status})
	}
	return out, nil
}

// InspectEnv reads a container's environment as a map, for reconciliation.
func (d *Driver) InspectEnv(ctx context.Context, name string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	resp, err := d.api.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", name, err)
	}

	env := make(map[string]string, len(resp.Container.Config.Env))
	for _, kv := range resp.Container.Config.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

const editorNamePrefix = "editor-"

func editorContainerName(userID string) string {
	short := userID
	if len(short) > 12 {
		short = short[:12]
	}
	return editorNamePrefix + short
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
