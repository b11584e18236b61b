package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

// DockerClient is the subset of the engine API used for deployments.
type DockerClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	Close() error
}

// PortBinding publishes a container port on the host.
type PortBinding struct {
	Host      string `json:"host"`
	Container string `json:"container"`
	Protocol  string `json:"protocol,omitempty"`
	HostIP    string `json:"hostIp,omitempty"`
}

// DeployParams are the parameters of a deployment activity.
type DeployParams struct {
	Image    string            `json:"image"`
	Name     string            `json:"name"`
	Env      map[string]string `json:"env,omitempty"`
	Ports    []PortBinding     `json:"ports,omitempty"`
	Volumes  []string          `json:"volumes,omitempty"`
	Restart  string            `json:"restart,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Network  string            `json:"network,omitempty"`
	Replace  bool              `json:"replace,omitempty"`
}

// Validate checks the required fields.
func (p DeployParams) Validate() error {
	if strings.TrimSpace(p.Image) == "" {
		return fmt.Errorf("deployment image is required: %w", internalerrors.ErrInvalidInput)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("deployment name is required: %w", internalerrors.ErrInvalidInput)
	}
	switch p.Restart {
	case "", "no", "always", "unless-stopped", "on-failure":
	default:
		return fmt.Errorf("invalid restart policy %q: %w", p.Restart, internalerrors.ErrInvalidInput)
	}
	if _, err := parsePlatform(p.Platform); err != nil {
		return err
	}
	return nil
}

// DeployRunner deploys a container through the docker engine API.
type DeployRunner struct {
	newClient func() (DockerClient, error)
}

// NewDeployRunner creates a runner that connects using DOCKER_HOST and the
// other standard docker environment variables.
func NewDeployRunner() *DeployRunner {
	return &DeployRunner{
		newClient: func() (DockerClient, error) {
			return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		},
	}
}

// Run pulls the image, optionally replaces an existing container and starts
// the new one.
func (r *DeployRunner) Run(ctx context.Context, op *Operation) error {
	var params DeployParams
	if err := op.DecodeParams(&params); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	platform, _ := parsePlatform(params.Platform)

	docker, err := r.newClient()
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}
	defer docker.Close()

	op.Outputf("Pulling %s", params.Image)
	pull, err := docker.ImagePull(ctx, params.Image, image.PullOptions{Platform: params.Platform})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", params.Image, err)
	}
	err = streamPullProgress(pull, op)
	pull.Close()
	if err != nil {
		return fmt.Errorf("pull image %s: %w", params.Image, err)
	}

	if params.Replace {
		op.Outputf("Removing existing container %s", params.Name)
		err := docker.ContainerRemove(ctx, params.Name, container.RemoveOptions{Force: true})
		switch {
		case err == nil:
		case cerrdefs.IsNotFound(err):
			op.Output("No existing container to remove")
		default:
			return fmt.Errorf("remove container %s: %w", params.Name, err)
		}
	}

	cfg, hostCfg, err := buildContainerConfig(params)
	if err != nil {
		return err
	}
	var netCfg *network.NetworkingConfig
	if params.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{params.Network: {}},
		}
	}

	op.Outputf("Creating container %s", params.Name)
	created, err := docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, platform, params.Name)
	if err != nil {
		return fmt.Errorf("create container %s: %w", params.Name, err)
	}
	for _, warning := range created.Warnings {
		op.Outputf("Warning: %s", warning)
	}

	if err := docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", params.Name, err)
	}

	shortID := created.ID
	if len(shortID) > 12 {
		shortID = shortID[:12]
	}
	op.Outputf("Started container %s (%s)", params.Name, shortID)
	log.Info().
		Str("component", executorComponent).
		Str("activity_id", op.Activity.ID).
		Str("image", params.Image).
		Str("container", params.Name).
		Str("container_id", created.ID).
		Msg("Deployment started container")
	return nil
}

// streamPullProgress turns the engine's JSON progress stream into output
// lines, reporting each layer status change once.
func streamPullProgress(body io.Reader, op *Operation) error {
	dec := json.NewDecoder(body)
	last := make(map[string]string)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.Status == "" {
			continue
		}
		if last[msg.ID] == msg.Status {
			continue
		}
		last[msg.ID] = msg.Status
		if msg.ID != "" {
			op.Outputf("%s: %s", msg.ID, msg.Status)
		} else {
			op.Output(msg.Status)
		}
	}
}

func buildContainerConfig(p DeployParams) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, binding := range p.Ports {
		proto := binding.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, binding.Container)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %q: %w", binding.Container, internalerrors.ErrInvalidInput)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: binding.HostIP, HostPort: binding.Host})
	}

	cfg := &container.Config{
		Image:        p.Image,
		Env:          env,
		ExposedPorts: exposed,
		Labels:       map[string]string{"io.hostdeck.managed": "true"},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Binds:         p.Volumes,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(p.Restart)},
	}
	return cfg, hostCfg, nil
}

func parsePlatform(value string) (*ocispec.Platform, error) {
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q: %w", value, internalerrors.ErrInvalidInput)
	}
	platform := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		platform.Variant = parts[2]
	}
	return platform, nil
}
