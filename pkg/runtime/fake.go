package runtime

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Adapter for tests. All operations succeed
// unless a hook says otherwise; tasks of ensured services report
// running by default.
type Fake struct {
	mu sync.Mutex

	networks map[string]map[string]string
	volumes  map[string]map[string]string
	configs  map[string][]byte
	services map[string]*FakeService
	images   map[string]bool

	built  []BuildOptions
	pulled []string

	// TaskStateFor overrides the task state reported for a service.
	TaskStateFor map[string]TaskState
	// ProbeExitCode is returned by ExecProbe, default 0.
	ProbeExitCode int
	// FailBuilds makes BuildImage return an error.
	FailBuilds bool
	// ExposedPorts is returned by DetectExposedPorts.
	ExposedPorts []int
	// RemoveErrFor makes RemoveService fail for the named services.
	RemoveErrFor map[string]error
	// Err, when set, is returned by every mutating call.
	Err error
}

// FakeService records the spec and replica count of an ensured service.
type FakeService struct {
	Spec     ServiceSpec
	Replicas uint64
}

// NewFake returns an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		networks:     map[string]map[string]string{},
		volumes:      map[string]map[string]string{},
		configs:      map[string][]byte{},
		services:     map[string]*FakeService{},
		images:       map[string]bool{},
		TaskStateFor: map[string]TaskState{},
		RemoveErrFor: map[string]error{},
	}
}

func (f *Fake) EnsureNetwork(_ context.Context, name string, labels map[string]string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	if _, ok := f.networks[name]; ok {
		return false, nil
	}
	f.networks[name] = labels
	return true, nil
}

func (f *Fake) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.networks, name)
	return nil
}

func (f *Fake) EnsureVolume(_ context.Context, name string, labels map[string]string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	if _, ok := f.volumes[name]; ok {
		return false, nil
	}
	f.volumes[name] = labels
	return true, nil
}

func (f *Fake) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.volumes, name)
	return nil
}

func (f *Fake) EnsureConfig(_ context.Context, name string, data []byte, _ map[string]string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	if _, ok := f.configs[name]; ok {
		return false, nil
	}
	f.configs[name] = data
	return true, nil
}

func (f *Fake) RemoveConfig(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.configs, name)
	return nil
}

func (f *Fake) EnsureService(_ context.Context, spec *ServiceSpec) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	_, existed := f.services[spec.Name]
	f.services[spec.Name] = &FakeService{Spec: *spec, Replicas: spec.Replicas}
	return !existed, nil
}

func (f *Fake) ScaleService(_ context.Context, name string, replicas uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if svc, ok := f.services[name]; ok {
		svc.Replicas = replicas
	}
	return nil
}

func (f *Fake) RemoveService(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if err := f.RemoveErrFor[name]; err != nil {
		return err
	}
	delete(f.services, name)
	return nil
}

func (f *Fake) ListTasks(_ context.Context, serviceName string) ([]TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[serviceName]
	if !ok || svc.Replicas == 0 {
		return nil, nil
	}
	state, ok := f.TaskStateFor[serviceName]
	if !ok {
		state = TaskRunning
	}
	return []TaskStatus{{
		ID:          "task-" + serviceName,
		State:       state,
		ContainerID: "ctr-" + serviceName,
	}}, nil
}

func (f *Fake) ExecProbe(_ context.Context, _ string, _ []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ProbeExitCode, nil
}

func (f *Fake) PullImage(_ context.Context, ref string, _ *RegistryAuth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.images[ref] = true
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *Fake) BuildImage(_ context.Context, opts BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailBuilds {
		return fmt.Errorf("build of %s failed: simulated", opts.Tag)
	}
	if f.Err != nil {
		return f.Err
	}
	f.images[opts.Tag] = true
	f.built = append(f.built, opts)
	return nil
}

func (f *Fake) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.images, ref)
	return nil
}

func (f *Fake) DetectExposedPorts(_ context.Context, _ string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ExposedPorts, nil
}

// Inspection helpers for assertions.

func (f *Fake) HasNetwork(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.networks[name]
	return ok
}

func (f *Fake) HasVolume(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.volumes[name]
	return ok
}

func (f *Fake) HasConfig(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.configs[name]
	return ok
}

func (f *Fake) HasImage(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref]
}

// Service returns the recorded state of a service, or nil.
func (f *Fake) Service(name string) *FakeService {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[name]
	if !ok {
		return nil
	}
	clone := *svc
	return &clone
}

// ServiceNames returns the names of all live services.
func (f *Fake) ServiceNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.services))
	for name := range f.services {
		names = append(names, name)
	}
	return names
}

// Builds returns the recorded build invocations in order.
func (f *Fake) Builds() []BuildOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BuildOptions, len(f.built))
	copy(out, f.built)
	return out
}

// Pulled returns the image references pulled in order.
func (f *Fake) Pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.pulled))
	copy(out, f.pulled)
	return out
}

var _ Adapter = (*Fake)(nil)
var _ Adapter = (*SwarmAdapter)(nil)
