package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/log"
)

const (
	restartDelay       = 5 * time.Second
	maxRestartAttempts = 3
)

// SwarmAdapter drives a Docker engine running in swarm mode. A single
// engine is both the build host and the scheduler; networks are
// attachable overlays so the proxy container can join them.
type SwarmAdapter struct {
	cli *client.Client
	log zerolog.Logger
}

// NewSwarmAdapter connects to the Docker engine. An empty host uses
// the standard environment (DOCKER_HOST or the default socket).
func NewSwarmAdapter(host string) (*SwarmAdapter, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	return &SwarmAdapter{
		cli: cli,
		log: log.WithComponent("runtime"),
	}, nil
}

// Close releases the client connection.
func (a *SwarmAdapter) Close() error {
	if a.cli != nil {
		return a.cli.Close()
	}
	return nil
}

// Ping verifies the engine is reachable. Used by readiness checks.
func (a *SwarmAdapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker: %w", err)
	}
	return nil
}

func (a *SwarmAdapter) EnsureNetwork(ctx context.Context, name string, labels map[string]string) (bool, error) {
	list, err := a.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range list {
		// the name filter matches substrings
		if n.Name == name {
			return false, nil
		}
	}

	_, err = a.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "overlay",
		Attachable: true,
		Labels:     labels,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create network %s: %w", name, err)
	}
	a.log.Debug().Str("network", name).Msg("network created")
	return true, nil
}

func (a *SwarmAdapter) RemoveNetwork(ctx context.Context, name string) error {
	if err := a.cli.NetworkRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

func (a *SwarmAdapter) EnsureVolume(ctx context.Context, name string, labels map[string]string) (bool, error) {
	list, err := a.cli.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, v := range list.Volumes {
		if v.Name == name {
			return false, nil
		}
	}

	if _, err := a.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		Labels: labels,
	}); err != nil {
		return false, fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	a.log.Debug().Str("volume", name).Msg("volume created")
	return true, nil
}

func (a *SwarmAdapter) RemoveVolume(ctx context.Context, name string) error {
	if err := a.cli.VolumeRemove(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// EnsureConfig creates a swarm config object. Config objects are
// immutable, which is why config content updates bump the version in
// the name instead of mutating in place.
func (a *SwarmAdapter) EnsureConfig(ctx context.Context, name string, data []byte, labels map[string]string) (bool, error) {
	existing, err := a.findConfig(ctx, name)
	if err != nil {
		return false, err
	}
	if existing != "" {
		return false, nil
	}

	_, err = a.cli.ConfigCreate(ctx, swarm.ConfigSpec{
		Annotations: swarm.Annotations{Name: name, Labels: labels},
		Data:        data,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create config %s: %w", name, err)
	}
	return true, nil
}

func (a *SwarmAdapter) RemoveConfig(ctx context.Context, name string) error {
	id, err := a.findConfig(ctx, name)
	if err != nil || id == "" {
		return err
	}
	if err := a.cli.ConfigRemove(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove config %s: %w", name, err)
	}
	return nil
}

func (a *SwarmAdapter) findConfig(ctx context.Context, name string) (string, error) {
	list, err := a.cli.ConfigList(ctx, types.ConfigListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list configs: %w", err)
	}
	for _, c := range list {
		if c.Spec.Name == name {
			return c.ID, nil
		}
	}
	return "", nil
}

// EnsureService creates the swarm service, or updates it in place when
// a service of that name already exists (the retry of a half-finished
// deployment attempt).
func (a *SwarmAdapter) EnsureService(ctx context.Context, spec *ServiceSpec) (bool, error) {
	swarmSpec, err := a.buildServiceSpec(ctx, spec)
	if err != nil {
		return false, err
	}

	existing, found, err := a.findService(ctx, spec.Name)
	if err != nil {
		return false, err
	}
	if found {
		if _, err := a.cli.ServiceUpdate(ctx, existing.ID, existing.Version, swarmSpec, types.ServiceUpdateOptions{}); err != nil {
			return false, fmt.Errorf("failed to update service %s: %w", spec.Name, err)
		}
		return false, nil
	}

	if _, err := a.cli.ServiceCreate(ctx, swarmSpec, types.ServiceCreateOptions{}); err != nil {
		return false, fmt.Errorf("failed to create service %s: %w", spec.Name, err)
	}
	a.log.Debug().Str("service", spec.Name).Str("image", spec.Image).Msg("service created")
	return true, nil
}

func (a *SwarmAdapter) buildServiceSpec(ctx context.Context, spec *ServiceSpec) (swarm.ServiceSpec, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mnt := mount.Mount{
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		}
		if m.HostPath != "" {
			mnt.Type = mount.TypeBind
			mnt.Source = m.HostPath
		} else {
			mnt.Type = mount.TypeVolume
			mnt.Source = m.VolumeName
		}
		mounts = append(mounts, mnt)
	}

	configs := make([]*swarm.ConfigReference, 0, len(spec.Configs))
	for _, c := range spec.Configs {
		id, err := a.findConfig(ctx, c.Name)
		if err != nil {
			return swarm.ServiceSpec{}, err
		}
		if id == "" {
			return swarm.ServiceSpec{}, fmt.Errorf("config %s does not exist", c.Name)
		}
		configs = append(configs, &swarm.ConfigReference{
			ConfigID:   id,
			ConfigName: c.Name,
			File: &swarm.ConfigReferenceFileTarget{
				Name: c.MountPath,
				UID:  "0",
				GID:  "0",
				Mode: 0o444,
			},
		})
	}

	networks := make([]swarm.NetworkAttachmentConfig, 0, len(spec.Networks))
	for _, n := range spec.Networks {
		networks = append(networks, swarm.NetworkAttachmentConfig{
			Target:  n.Name,
			Aliases: n.Aliases,
		})
	}

	var ports []swarm.PortConfig
	for _, p := range spec.Ports {
		ports = append(ports, swarm.PortConfig{
			Protocol:      swarm.PortConfigProtocolTCP,
			TargetPort:    uint32(p.Container),
			PublishedPort: uint32(p.Host),
			PublishMode:   swarm.PortConfigPublishModeIngress,
		})
	}

	var resources *swarm.ResourceRequirements
	if spec.Limits != nil {
		resources = &swarm.ResourceRequirements{
			Limits: &swarm.Limit{
				NanoCPUs:    int64(spec.Limits.CPUs * 1e9),
				MemoryBytes: spec.Limits.MemoryBytes,
			},
		}
	}

	var args []string
	if spec.Command != "" {
		args = SplitCommand(spec.Command)
	}

	replicas := spec.Replicas
	delay := restartDelay
	attempts := uint64(maxRestartAttempts)

	return swarm.ServiceSpec{
		Annotations: swarm.Annotations{Name: spec.Name, Labels: spec.Labels},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   spec.Image,
				Args:    args,
				Env:     spec.Env,
				Mounts:  mounts,
				Configs: configs,
				Labels:  spec.Labels,
			},
			Networks: networks,
			RestartPolicy: &swarm.RestartPolicy{
				Condition:   swarm.RestartPolicyConditionOnFailure,
				Delay:       &delay,
				MaxAttempts: &attempts,
			},
			Resources: resources,
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
		UpdateConfig: &swarm.UpdateConfig{
			Parallelism:   1,
			Order:         swarm.UpdateOrderStartFirst,
			FailureAction: swarm.UpdateFailureActionPause,
		},
		EndpointSpec: &swarm.EndpointSpec{
			Mode:  swarm.ResolutionModeVIP,
			Ports: ports,
		},
	}, nil
}

func (a *SwarmAdapter) findService(ctx context.Context, name string) (swarm.Service, bool, error) {
	list, err := a.cli.ServiceList(ctx, types.ServiceListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return swarm.Service{}, false, fmt.Errorf("failed to list services: %w", err)
	}
	for _, s := range list {
		if s.Spec.Name == name {
			return s, true, nil
		}
	}
	return swarm.Service{}, false, nil
}

// ScaleService sets the replica count. Zero replicas is how services
// sleep and how the previous deployment steps aside before promotion.
func (a *SwarmAdapter) ScaleService(ctx context.Context, name string, replicas uint64) error {
	svc, found, err := a.findService(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	spec := svc.Spec
	spec.Mode.Replicated = &swarm.ReplicatedService{Replicas: &replicas}
	if _, err := a.cli.ServiceUpdate(ctx, svc.ID, svc.Version, spec, types.ServiceUpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale service %s: %w", name, err)
	}
	return nil
}

func (a *SwarmAdapter) RemoveService(ctx context.Context, name string) error {
	if err := a.cli.ServiceRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove service %s: %w", name, err)
	}
	return nil
}

// ListTasks returns the current tasks of a service, newest first as
// reported by the engine.
func (a *SwarmAdapter) ListTasks(ctx context.Context, serviceName string) ([]TaskStatus, error) {
	tasks, err := a.cli.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("service", serviceName)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of %s: %w", serviceName, err)
	}

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		status := TaskStatus{
			ID:      t.ID,
			State:   mapTaskState(t.Status.State),
			Message: t.Status.Err,
		}
		if t.Status.ContainerStatus != nil {
			status.ContainerID = t.Status.ContainerStatus.ContainerID
		}
		out = append(out, status)
	}
	return out, nil
}

func mapTaskState(s swarm.TaskState) TaskState {
	switch s {
	case swarm.TaskStateRunning:
		return TaskRunning
	case swarm.TaskStateFailed, swarm.TaskStateRejected, swarm.TaskStateOrphaned:
		return TaskFailed
	case swarm.TaskStateComplete, swarm.TaskStateShutdown, swarm.TaskStateRemove:
		return TaskStopped
	default:
		return TaskStarting
	}
}

// ExecProbe runs a command inside a container and waits for its exit
// code. Output is discarded; only the code matters to the healthcheck.
func (a *SwarmAdapter) ExecProbe(ctx context.Context, containerID string, cmd []string) (int, error) {
	resp, err := a.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := a.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()
	_, _ = io.Copy(io.Discard, attach.Reader)

	inspect, err := a.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return inspect.ExitCode, nil
}

// PullImage pulls an image, draining the progress stream so the pull
// actually completes before returning.
func (a *SwarmAdapter) PullImage(ctx context.Context, ref string, auth *RegistryAuth) error {
	opts := image.PullOptions{}
	if auth != nil {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username: auth.Username,
			Password: auth.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to encode registry auth: %w", err)
		}
		opts.RegistryAuth = encoded
	}

	rc, err := a.cli.ImagePull(ctx, ref, opts)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// BuildImage tars the context directory and runs a docker build. The
// engine's JSON progress stream is forwarded to the debug log; an
// error frame in the stream fails the build.
func (a *SwarmAdapter) BuildImage(ctx context.Context, opts BuildOptions) error {
	buildCtx, err := tarDirectory(opts.ContextDir)
	if err != nil {
		return fmt.Errorf("failed to tar build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := a.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{opts.Tag},
		Dockerfile: opts.Dockerfile,
		Target:     opts.Target,
		NoCache:    opts.NoCache,
		Remove:     true,
		BuildArgs:  opts.BuildArgs,
		Labels:     opts.Labels,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", opts.Tag, err)
	}
	defer resp.Body.Close()

	return a.drainBuildStream(resp.Body, opts.Tag)
}

func (a *SwarmAdapter) drainBuildStream(body io.Reader, tag string) error {
	dec := json.NewDecoder(body)
	for {
		var msg struct {
			Stream      string `json:"stream"`
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read build output: %w", err)
		}
		if msg.Error != "" {
			reason := msg.Error
			if msg.ErrorDetail.Message != "" {
				reason = msg.ErrorDetail.Message
			}
			return fmt.Errorf("build of %s failed: %s", tag, reason)
		}
		if line := strings.TrimRight(msg.Stream, "\n"); line != "" {
			a.log.Debug().Str("image", tag).Msg(line)
		}
	}
}

func (a *SwarmAdapter) RemoveImage(ctx context.Context, ref string) error {
	_, err := a.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove image %s: %w", ref, err)
	}
	return nil
}

// DetectExposedPorts reads the EXPOSE metadata of an image. Used to
// default the URL port for services that declare exactly one.
func (a *SwarmAdapter) DetectExposedPorts(ctx context.Context, ref string) ([]int, error) {
	inspect, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	if inspect.Config == nil {
		return nil, nil
	}

	var ports []int
	for p := range inspect.Config.ExposedPorts {
		if p.Proto() == "tcp" {
			ports = append(ports, p.Int())
		}
	}
	sort.Ints(ports)
	return ports, nil
}
