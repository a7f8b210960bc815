package runtime

import (
	"context"
	"strings"
)

// Labels stamped on every runtime resource. The reconciler and the
// archive cascade find zane-owned resources through them.
const (
	LabelManaged    = "zane.managed"
	LabelProject    = "zane.project"
	LabelEnv        = "zane.environment"
	LabelService    = "zane.service"
	LabelDeployment = "zane.deployment"
)

// TaskState is the coarse lifecycle state of one task of a service.
type TaskState string

const (
	TaskStarting TaskState = "starting"
	TaskRunning  TaskState = "running"
	TaskStopped  TaskState = "stopped"
	TaskFailed   TaskState = "failed"
)

// TaskStatus is one task observation. ContainerID is only set once the
// task has a container, which is what exec probes attach to.
type TaskStatus struct {
	ID          string
	State       TaskState
	Message     string
	ContainerID string
}

// NetworkAttachment connects a service to a named network under one or
// more DNS aliases.
type NetworkAttachment struct {
	Name    string
	Aliases []string
}

// VolumeMount attaches either a named volume (VolumeName set) or a host
// bind (HostPath set) at ContainerPath.
type VolumeMount struct {
	VolumeName    string
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ConfigMount materializes a named runtime config as a file.
type ConfigMount struct {
	Name      string
	MountPath string
}

// PortPublish exposes a container port on the host, outside the proxy.
type PortPublish struct {
	Host      int
	Container int
}

// Resources cap one task. Zero values mean unlimited.
type Resources struct {
	CPUs        float64
	MemoryBytes int64
}

// ServiceSpec is everything the runtime needs to run one deployment.
// Names are computed by the caller from the deployment snapshot; the
// adapter never invents identifiers.
type ServiceSpec struct {
	Name     string
	Image    string
	Command  string // overrides the image CMD, empty keeps it
	Env      []string
	Networks []NetworkAttachment
	Mounts   []VolumeMount
	Configs  []ConfigMount
	Ports    []PortPublish
	Limits   *Resources
	Labels   map[string]string
	Replicas uint64
}

// BuildOptions describe one docker build. The context directory is
// tarred as-is; callers materialize generated files (Dockerfile
// wrappers, Caddyfiles) into it beforehand.
type BuildOptions struct {
	ContextDir string
	Dockerfile string // relative to ContextDir
	Target     string
	Tag        string
	NoCache    bool
	BuildArgs  map[string]*string
	Labels     map[string]string
}

// Adapter abstracts the container runtime. The production
// implementation talks to a Docker engine in swarm mode; tests use the
// in-memory Fake. Ensure methods are idempotent and report whether
// they created the resource, so compensation on failure removes only
// what the failed attempt actually made.
type Adapter interface {
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) (created bool, err error)
	RemoveNetwork(ctx context.Context, name string) error

	EnsureVolume(ctx context.Context, name string, labels map[string]string) (created bool, err error)
	RemoveVolume(ctx context.Context, name string) error

	EnsureConfig(ctx context.Context, name string, data []byte, labels map[string]string) (created bool, err error)
	RemoveConfig(ctx context.Context, name string) error

	EnsureService(ctx context.Context, spec *ServiceSpec) (created bool, err error)
	ScaleService(ctx context.Context, name string, replicas uint64) error
	RemoveService(ctx context.Context, name string) error
	ListTasks(ctx context.Context, serviceName string) ([]TaskStatus, error)

	ExecProbe(ctx context.Context, containerID string, cmd []string) (exitCode int, err error)

	PullImage(ctx context.Context, ref string, auth *RegistryAuth) error
	BuildImage(ctx context.Context, opts BuildOptions) error
	RemoveImage(ctx context.Context, ref string) error
	DetectExposedPorts(ctx context.Context, ref string) ([]int, error)
}

// RegistryAuth authenticates pulls from private registries.
type RegistryAuth struct {
	Username string
	Password string
}

// SplitCommand breaks a shell-style command line into argv, honoring
// single and double quotes. It covers the commands users type into a
// start-command field; it is not a shell (no expansion, no operators).
func SplitCommand(s string) []string {
	var (
		args    []string
		current strings.Builder
		quote   rune
		started bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			started = true
		case r == ' ' || r == '\t':
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, current.String())
	}
	return args
}
