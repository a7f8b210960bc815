package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/runtime"
	"github.com/zane-ops/zane/pkg/types"
)

// Probe describes one deployment healthcheck round.
type Probe struct {
	// ServiceName is the runtime service whose tasks gate the check.
	ServiceName string
	// Host overrides the HTTP probe target for PATH checks. Empty uses
	// ServiceName, which doubles as the service's DNS name on the
	// project network.
	Host string
	// Check is the user-defined probe. Nil gates on a running task only.
	Check *types.Healthcheck
}

// Result is the outcome of a single round. A non-healthy result is not
// final; the deployment workflow keeps probing until its deadline.
type Result struct {
	Healthy bool
	Message string
}

// Prober performs one healthcheck round at a time. The deployment
// workflow owns the retry loop, the interval sleeps and the overall
// deadline, so a round never blocks longer than one probe timeout.
type Prober struct {
	runtime runtime.Adapter
	httpc   *http.Client
	log     zerolog.Logger
}

// NewProber builds a prober against the given runtime.
func NewProber(rt runtime.Adapter) *Prober {
	return &Prober{
		runtime: rt,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     log.WithComponent("health"),
	}
}

// Round inspects the service's tasks and, once one is running, executes
// the user-defined probe. Task inspection comes first: a probe against
// a service with no running task cannot succeed and would only burn
// time against the deadline.
func (p *Prober) Round(ctx context.Context, probe Probe) Result {
	res := p.round(ctx, probe)
	if res.Healthy {
		metrics.HealthcheckProbesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.HealthcheckProbesTotal.WithLabelValues("failure").Inc()
	}
	return res
}

func (p *Prober) round(ctx context.Context, probe Probe) Result {
	tasks, err := p.runtime.ListTasks(ctx, probe.ServiceName)
	if err != nil {
		return Result{Message: fmt.Sprintf("failed to list tasks: %v", err)}
	}
	if len(tasks) == 0 {
		return Result{Message: "no tasks scheduled yet"}
	}

	// Swarm keeps finished tasks around; a failed task only matters
	// when no replacement is running.
	var running, failed *runtime.TaskStatus
	for i := range tasks {
		switch tasks[i].State {
		case runtime.TaskRunning:
			running = &tasks[i]
		case runtime.TaskFailed:
			failed = &tasks[i]
		}
	}
	if running == nil {
		if failed != nil {
			return Result{Message: fmt.Sprintf("task %s failed: %s", failed.ID, failed.Message)}
		}
		return Result{Message: "tasks still starting"}
	}

	hc := probe.Check
	if hc == nil {
		return Result{Healthy: true, Message: "task running"}
	}

	switch hc.Type {
	case types.HealthcheckPath:
		return p.httpRound(ctx, probe, hc)
	case types.HealthcheckCommand:
		return p.execRound(ctx, hc, running)
	default:
		return Result{Message: fmt.Sprintf("unknown healthcheck type %q", hc.Type)}
	}
}

// httpRound issues a GET against the associated port. Anything below
// 400 counts as healthy, matching what the proxy would accept.
func (p *Prober) httpRound(ctx context.Context, probe Probe, hc *types.Healthcheck) Result {
	host := probe.Host
	if host == "" {
		host = probe.ServiceName
	}
	path := hc.Value
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("http://%s:%d%s", host, hc.AssociatedPort, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Message: fmt.Sprintf("failed to build probe request: %v", err)}
	}

	resp, err := p.httpc.Do(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("GET %s: %v", url, err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	msg := fmt.Sprintf("GET %s returned %d", path, resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return Result{Healthy: true, Message: msg}
	}
	return Result{Message: msg}
}

func (p *Prober) execRound(ctx context.Context, hc *types.Healthcheck, task *runtime.TaskStatus) Result {
	if task.ContainerID == "" {
		return Result{Message: "task has no container yet"}
	}

	code, err := p.runtime.ExecProbe(ctx, task.ContainerID, runtime.SplitCommand(hc.Value))
	if err != nil {
		return Result{Message: fmt.Sprintf("failed to exec probe: %v", err)}
	}
	if code != 0 {
		return Result{Message: fmt.Sprintf("command exited %d", code)}
	}
	return Result{Healthy: true, Message: "command exited 0"}
}
