package types

import (
	"encoding/json"
	"time"
)

// Project groups environments and owns the overlay network shared by
// every service deployed under it.
type Project struct {
	ID          string
	Slug        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Environment is a namespace inside a project. Every project has an
// implicit "production" environment that cannot be deleted. Preview
// environments are created by the webhook router for pull requests and
// carry PreviewMetadata.
type Environment struct {
	ID        string
	ProjectID string
	Name      string
	IsPreview bool
	Preview   *PreviewMetadata
	CreatedAt time.Time
}

// ProductionEnv is the name of the implicit environment every project has.
const ProductionEnv = "production"

// PreviewSourceTrigger records what created a preview environment.
type PreviewSourceTrigger string

const (
	PreviewTriggerPullRequest PreviewSourceTrigger = "PULL_REQUEST"
	PreviewTriggerAPI         PreviewSourceTrigger = "API"
)

// PreviewDeployState gates deployments for previews created from forks.
type PreviewDeployState string

const (
	PreviewDeployPending  PreviewDeployState = "PENDING"
	PreviewDeployApproved PreviewDeployState = "APPROVED"
	PreviewDeployDeclined PreviewDeployState = "DECLINED"
)

// PreviewMetadata describes the pull request (or API call) a preview
// environment was created for. HeadRepositoryURL differs from
// BaseRepositoryURL when the PR comes from a fork, in which case
// DeployState starts as PENDING and nothing is deployed until a
// reviewer approves.
type PreviewMetadata struct {
	SourceTrigger     PreviewSourceTrigger
	PRNumber          int
	PRTitle           string
	PRAuthor          string
	BranchName        string
	HeadRepositoryURL string
	BaseRepositoryURL string
	CommitSHA         string
	DeployState       PreviewDeployState
	ServiceID         string // service whose repository the PR targets
	GitAppID          string
	TemplateSlug      string
	ExternalURL       string
}

// PreviewTemplate is a project-level recipe for preview environments:
// which services get cloned next to the PR service when a preview is
// created.
type PreviewTemplate struct {
	ID                string
	ProjectID         string
	Slug              string
	BaseEnvironmentID string
	CloneServiceIDs   []string
	IsDefault         bool
	CreatedAt         time.Time
}

// ServiceKind separates services deployed from a registry image from
// services built out of a git repository.
type ServiceKind string

const (
	ServiceKindImage ServiceKind = "image"
	ServiceKindGit   ServiceKind = "git"
)

// Service is a user-defined workload. Mutations to a service never touch
// these fields directly; they are staged as DeploymentChange rows and
// folded in when a deployment is planned.
type Service struct {
	ID            string
	ProjectID     string
	EnvironmentID string
	Slug          string
	Kind          ServiceKind

	// Image source. For git services this holds the reference of the
	// last built image.
	Image       string
	Credentials *RegistryCredentials

	// Git source, nil for image services.
	Repository *GitRepository
	Builder    *BuilderConfig

	Command string

	Volumes      []*Volume
	Configs      []*Config
	Ports        []*Port
	URLs         []*URL
	EnvVariables []*EnvVariable

	Healthcheck    *Healthcheck
	ResourceLimits *ResourceLimits

	// NetworkAlias is generated at creation time and stable across
	// deployments; the per-slot aliases derive from it.
	NetworkAlias string

	DeployToken              string
	AutoDeploy               bool
	WatchPaths               string // glob over changed files, empty disables the filter
	CleanupQueueOnAutoDeploy bool

	// CurrentDeploymentHash points at the deployment currently holding
	// production traffic. Updated only by the promotion compare-and-set.
	CurrentDeploymentHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RegistryCredentials authenticate image pulls from private registries.
type RegistryCredentials struct {
	Username string
	Password string
}

// GitRepository is the git source of a service. CommitSHA may be the
// literal "HEAD", in which case the planner resolves it against the
// remote at deployment time.
type GitRepository struct {
	URL        string
	Branch     string
	CommitSHA  string
	GitAppID   string
	GitAppKind GitAppKind
}

// BuilderKind selects how a git service turns its repository into an image.
type BuilderKind string

const (
	BuilderDockerfile BuilderKind = "DOCKERFILE"
	BuilderStaticDir  BuilderKind = "STATIC_DIR"
	BuilderNixpacks   BuilderKind = "NIXPACKS"
	BuilderRailpack   BuilderKind = "RAILPACK"
)

// BuilderConfig carries the options of exactly one builder kind.
// Railpack shares the nixpacks option shape.
type BuilderConfig struct {
	Kind       BuilderKind
	Dockerfile *DockerfileBuilderOptions
	StaticDir  *StaticDirBuilderOptions
	Nixpacks   *NixpacksBuilderOptions
	Railpack   *NixpacksBuilderOptions
}

// DockerfileBuilderOptions configure a plain docker build.
type DockerfileBuilderOptions struct {
	BuildContextDir  string // default "./"
	DockerfilePath   string // default "./Dockerfile"
	BuildStageTarget string
}

// StaticDirBuilderOptions serve a directory of files behind a generated
// web server config. GeneratedCaddyfile is derived when the builder
// change is applied, never written by hand.
type StaticDirBuilderOptions struct {
	PublishDirectory   string // default "./"
	IndexPage          string // default "./index.html"
	NotFoundPage       string
	IsSPA              bool
	GeneratedCaddyfile string
}

// NixpacksBuilderOptions configure an auto-detected build. When IsStatic
// is set the resulting image serves PublishDirectory like STATIC_DIR
// does, including a generated Caddyfile.
type NixpacksBuilderOptions struct {
	BuildDirectory       string // default "./"
	CustomInstallCommand string
	CustomBuildCommand   string
	CustomStartCommand   string
	IsStatic             bool
	PublishDirectory     string
	IsSPA                bool
	IndexPage            string
	NotFoundPage         string
	GeneratedCaddyfile   string
}

// VolumeMode controls how a volume is mounted into the container.
type VolumeMode string

const (
	VolumeModeReadWrite VolumeMode = "READ_WRITE"
	VolumeModeReadOnly  VolumeMode = "READ_ONLY"
)

// Volume is persistent storage attached to a service. When HostPath is
// set the volume is a bind mount and is never shared between services;
// otherwise the runtime provisions a named volume.
type Volume struct {
	ID            string
	Name          string
	ContainerPath string
	HostPath      string
	Mode          VolumeMode
	CreatedAt     time.Time
}

// Config is a read-only file materialized into the container. Runtime
// config objects are immutable, so content updates bump Version and the
// next deployment creates a fresh object.
type Config struct {
	ID        string
	Name      string
	MountPath string
	Contents  string
	Version   int
	CreatedAt time.Time
}

// URL routes HTTP traffic from a domain and base path to a container
// port, or redirects it elsewhere.
type URL struct {
	ID             string
	Domain         string
	BasePath       string // default "/"
	StripPrefix    bool
	RedirectTo     *URLRedirect
	AssociatedPort int // container port, 0 for redirects
}

// URLRedirect makes a URL answer with a redirect instead of proxying.
type URLRedirect struct {
	URL       string
	Permanent bool
}

// Port publishes a container port directly on the host, outside the
// HTTP proxy. HTTP traffic should use URLs instead.
type Port struct {
	ID        string
	Host      int
	Forwarded int
}

// EnvVariable is a user-defined environment variable.
type EnvVariable struct {
	ID    string
	Key   string
	Value string
}

// HealthcheckType selects between an HTTP path probe and a command
// executed inside the container.
type HealthcheckType string

const (
	HealthcheckPath    HealthcheckType = "PATH"
	HealthcheckCommand HealthcheckType = "COMMAND"
)

// Healthcheck gates deployment promotion. A nil healthcheck still gates
// on the runtime reporting the task as running.
type Healthcheck struct {
	Type            HealthcheckType
	Value           string // path for PATH, command line for COMMAND
	TimeoutSeconds  int    // default 30
	IntervalSeconds int    // default 30
	AssociatedPort  int    // container port probed by PATH checks
}

const (
	DefaultHealthcheckTimeoutSeconds  = 30
	DefaultHealthcheckIntervalSeconds = 30
)

// Timeout returns the configured probe deadline.
func (h *Healthcheck) Timeout() time.Duration {
	if h == nil || h.TimeoutSeconds <= 0 {
		return DefaultHealthcheckTimeoutSeconds * time.Second
	}
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Interval returns the configured probe spacing.
func (h *Healthcheck) Interval() time.Duration {
	if h == nil || h.IntervalSeconds <= 0 {
		return DefaultHealthcheckIntervalSeconds * time.Second
	}
	return time.Duration(h.IntervalSeconds) * time.Second
}

// ResourceLimits cap the container. Zero values mean unlimited.
type ResourceLimits struct {
	CPUs        float64
	MemoryBytes int64
}

// ChangeField names the part of a service a DeploymentChange targets.
type ChangeField string

const (
	FieldSource         ChangeField = "SOURCE"
	FieldGitSource      ChangeField = "GIT_SOURCE"
	FieldBuilder        ChangeField = "BUILDER"
	FieldCommand        ChangeField = "COMMAND"
	FieldHealthcheck    ChangeField = "HEALTHCHECK"
	FieldResourceLimits ChangeField = "RESOURCE_LIMITS"
	FieldVolumes        ChangeField = "VOLUMES"
	FieldConfigs        ChangeField = "CONFIGS"
	FieldURLs           ChangeField = "URLS"
	FieldPorts          ChangeField = "PORTS"
	FieldEnvVariables   ChangeField = "ENV_VARIABLES"
)

// CollectionField reports whether the field holds items addressed by id
// (ADD/UPDATE/DELETE) rather than a single value (UPDATE only).
func (f ChangeField) CollectionField() bool {
	switch f {
	case FieldVolumes, FieldConfigs, FieldURLs, FieldPorts, FieldEnvVariables:
		return true
	}
	return false
}

// ChangeType is the verb of a DeploymentChange.
type ChangeType string

const (
	ChangeTypeAdd    ChangeType = "ADD"
	ChangeTypeUpdate ChangeType = "UPDATE"
	ChangeTypeDelete ChangeType = "DELETE"
)

// DeploymentChange is one staged mutation in a service's change log.
// Pending changes (Applied == false) are validated against the current
// service state plus earlier pending changes; applying folds them into
// the service and stamps DeploymentID.
type DeploymentChange struct {
	ID           string
	ServiceID    string
	Field        ChangeField
	Type         ChangeType
	ItemID       string // target item for UPDATE/DELETE on collections
	OldValue     json.RawMessage
	NewValue     json.RawMessage
	Applied      bool
	DeploymentID string
	CreatedAt    time.Time
}

// SourceValue is the payload of a SOURCE change.
type SourceValue struct {
	Image       string
	Credentials *RegistryCredentials
}

// GitSourceValue is the payload of a GIT_SOURCE change. The GitApp
// identity is frozen here when the change is added, so a deployment
// always authenticates with the app that was configured when the
// change was staged.
type GitSourceValue struct {
	RepositoryURL string
	Branch        string
	CommitSHA     string
	GitAppID      string
	GitAppKind    GitAppKind
}

// DeploymentSlot is the blue/green side a deployment runs on.
type DeploymentSlot string

const (
	SlotBlue  DeploymentSlot = "BLUE"
	SlotGreen DeploymentSlot = "GREEN"
)

// Next returns the opposite slot.
func (s DeploymentSlot) Next() DeploymentSlot {
	if s == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// DeploymentStatus tracks a deployment through its lifecycle.
type DeploymentStatus string

const (
	DeploymentStatusQueued     DeploymentStatus = "QUEUED"
	DeploymentStatusPreparing  DeploymentStatus = "PREPARING"
	DeploymentStatusBuilding   DeploymentStatus = "BUILDING"
	DeploymentStatusStarting   DeploymentStatus = "STARTING"
	DeploymentStatusRestarting DeploymentStatus = "RESTARTING"
	DeploymentStatusHealthy    DeploymentStatus = "HEALTHY"
	DeploymentStatusUnhealthy  DeploymentStatus = "UNHEALTHY"
	DeploymentStatusFailed     DeploymentStatus = "FAILED"
	DeploymentStatusCancelled  DeploymentStatus = "CANCELLED"
	DeploymentStatusRemoved    DeploymentStatus = "REMOVED"
	DeploymentStatusSleeping   DeploymentStatus = "SLEEPING"
)

// Active reports whether the deployment is still being worked on.
func (s DeploymentStatus) Active() bool {
	switch s {
	case DeploymentStatusQueued, DeploymentStatusPreparing, DeploymentStatusBuilding,
		DeploymentStatusStarting, DeploymentStatusRestarting:
		return true
	}
	return false
}

// Cancelable reports whether a cancellation request can still take effect.
func (s DeploymentStatus) Cancelable() bool {
	return s.Active()
}

// Started reports whether the executor has picked the deployment up.
// Not-started deployments are cancelled by flipping the row; started
// ones need the workflow signalled.
func (s DeploymentStatus) Started() bool {
	return s.Active() && s != DeploymentStatusQueued
}

// DeploymentTrigger records what initiated a deployment.
type DeploymentTrigger string

const (
	TriggerManual DeploymentTrigger = "MANUAL"
	TriggerAPI    DeploymentTrigger = "API"
	TriggerAuto   DeploymentTrigger = "AUTO"
)

// DeploymentStep is the executor's persisted progress marker. Steps are
// strictly ordered; compensation on failure or cancel walks back from
// the last completed step.
type DeploymentStep string

const (
	StepInitialized        DeploymentStep = "INITIALIZED"
	StepCloningRepository  DeploymentStep = "CLONING_REPOSITORY"
	StepRepositoryCloned   DeploymentStep = "REPOSITORY_CLONED"
	StepBuildingImage      DeploymentStep = "BUILDING_IMAGE"
	StepImageBuilt         DeploymentStep = "IMAGE_BUILT"
	StepVolumesCreated     DeploymentStep = "VOLUMES_CREATED"
	StepConfigsCreated     DeploymentStep = "CONFIGS_CREATED"
	StepPreviousScaledDown DeploymentStep = "PREVIOUS_DEPLOYMENT_SCALED_DOWN"
	StepServiceCreated     DeploymentStep = "SWARM_SERVICE_CREATED"
	StepDeploymentExposed  DeploymentStep = "DEPLOYMENT_EXPOSED_TO_HTTP"
	StepServiceExposed     DeploymentStep = "SERVICE_EXPOSED_TO_HTTP"
	StepFinished           DeploymentStep = "FINISHED"
)

var stepOrder = map[DeploymentStep]int{
	StepInitialized:        0,
	StepCloningRepository:  1,
	StepRepositoryCloned:   2,
	StepBuildingImage:      3,
	StepImageBuilt:         4,
	StepVolumesCreated:     5,
	StepConfigsCreated:     6,
	StepPreviousScaledDown: 7,
	StepServiceCreated:     8,
	StepDeploymentExposed:  9,
	StepServiceExposed:     10,
	StepFinished:           11,
}

// Reached reports whether the marker is at or past the given step.
func (s DeploymentStep) Reached(other DeploymentStep) bool {
	return stepOrder[s] >= stepOrder[other]
}

// Deployment is one attempt to run a service snapshot. The snapshot is
// frozen at planning time; every runtime resource name is computable
// from this row alone.
type Deployment struct {
	ID         string
	Hash       string
	ServiceID  string
	WorkflowID string
	Slot       DeploymentSlot

	Status       DeploymentStatus
	StatusReason string

	// CancelRequested is set when a cancellation was asked for while the
	// deployment was still queued; the workflow checks it on startup.
	CancelRequested bool

	Snapshot *ServiceSnapshot

	CommitSHA     string
	CommitMessage string
	CommitAuthor  string

	Trigger          DeploymentTrigger
	RedeployOfHash   string
	IgnoreBuildCache bool

	IsCurrentProduction bool

	URLs []*DeploymentURL

	LastCompletedStep DeploymentStep

	QueuedAt   time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// DeploymentURL is the ephemeral per-deployment domain that exposes one
// container port before (and after) promotion.
type DeploymentURL struct {
	Domain string
	Port   int
}

// ServiceSnapshot is the frozen view of a service a deployment executes
// against. It is the single input of the executor.
type ServiceSnapshot struct {
	ID              string
	Slug            string
	Kind            ServiceKind
	ProjectID       string
	ProjectSlug     string
	ProjectTS       int64 // unix seconds of project creation, part of the network name
	EnvironmentID   string
	EnvironmentName string

	Image       string
	Credentials *RegistryCredentials
	Repository  *GitRepository
	Builder     *BuilderConfig
	Command     string

	NetworkAlias string

	Volumes      []*Volume
	Configs      []*Config
	Ports        []*Port
	URLs         []*URL
	EnvVariables []*EnvVariable

	Healthcheck    *Healthcheck
	ResourceLimits *ResourceLimits
}

// GitAppKind distinguishes GitHub apps from GitLab apps.
type GitAppKind string

const (
	GitAppGitHub GitAppKind = "GITHUB"
	GitAppGitLab GitAppKind = "GITLAB"
)

// GitApp is an installed git provider integration. Secret material is
// encrypted before it reaches the store.
type GitApp struct {
	ID        string
	Kind      GitAppKind
	Name      string
	GitHub    *GitHubApp
	GitLab    *GitLabApp
	CreatedAt time.Time
}

// GitHubApp holds GitHub App credentials. PrivateKey and WebhookSecret
// are stored encrypted.
type GitHubApp struct {
	AppID          int64
	InstallationID int64
	AppURL         string
	PrivateKey     string
	WebhookSecret  string
}

// GitLabApp holds GitLab OAuth application credentials. AppSecret,
// RefreshToken and WebhookSecret are stored encrypted.
type GitLabApp struct {
	BaseURL       string // default https://gitlab.com
	AppID         string
	AppSecret     string
	RefreshToken  string
	WebhookSecret string
	RedirectURI   string
}

// EventType classifies broker events.
type EventType string

const (
	EventDeploymentQueued        EventType = "deployment.queued"
	EventDeploymentStatusChanged EventType = "deployment.status_changed"
	EventDeploymentFinished      EventType = "deployment.finished"
	EventDeploymentCancelled     EventType = "deployment.cancelled"
	EventServiceArchived         EventType = "service.archived"
	EventPreviewCreated          EventType = "preview.created"
	EventPreviewApproved         EventType = "preview.approved"
	EventPreviewDeclined         EventType = "preview.declined"
	EventPreviewArchived         EventType = "preview.archived"
	EventWebhookReceived         EventType = "webhook.received"
)

// Event is a lifecycle notification published on the in-process broker.
type Event struct {
	Type           EventType
	Timestamp      time.Time
	ProjectID      string
	EnvironmentID  string
	ServiceID      string
	DeploymentHash string
	Message        string
	Data           map[string]string
}
