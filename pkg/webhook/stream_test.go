package webhook

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/types"
)

// openStream connects to GET /events and returns a line scanner over
// the response body. The handler registers its subscription before it
// flushes the response headers, so events published after this returns
// are guaranteed to reach the stream.
func openStream(t *testing.T, f *fixture, query string) *bufio.Scanner {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/events"+query, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	return bufio.NewScanner(resp.Body)
}

func readStreamEvent(t *testing.T, sc *bufio.Scanner) streamEvent {
	t.Helper()
	require.True(t, sc.Scan(), "expected another event on the stream")
	var ev streamEvent
	require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
	return ev
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	f := newFixture(t)
	sc := openStream(t, f, "")

	f.broker.PublishDeploymentStatus(&types.Deployment{
		Hash:      "abc12345678",
		ServiceID: "srv_1",
		Status:    types.DeploymentStatusHealthy,
		Slot:      types.SlotGreen,
		Snapshot:  &types.ServiceSnapshot{ProjectID: "prj_1", EnvironmentID: "env_1"},
	}, "promoted to current")

	ev := readStreamEvent(t, sc)
	assert.Equal(t, types.EventDeploymentStatusChanged, ev.Type)
	assert.Equal(t, "abc12345678", ev.DeploymentHash)
	assert.Equal(t, "prj_1", ev.ProjectID)
	assert.Equal(t, "env_1", ev.EnvironmentID)
	assert.Equal(t, "srv_1", ev.ServiceID)
	assert.Equal(t, "promoted to current", ev.Message)
	assert.Equal(t, "HEALTHY", ev.Data["status"])
	assert.Equal(t, "GREEN", ev.Data["slot"])
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEventStreamFiltersByService(t *testing.T) {
	f := newFixture(t)
	sc := openStream(t, f, "?service=srv_a")

	f.broker.Publish(&types.Event{Type: types.EventDeploymentQueued, ServiceID: "srv_b"})
	f.broker.Publish(&types.Event{Type: types.EventDeploymentFinished, ServiceID: "srv_a"})

	// Broadcast order follows publish order, so the first line being
	// srv_a's event also proves srv_b's was filtered out.
	ev := readStreamEvent(t, sc)
	assert.Equal(t, types.EventDeploymentFinished, ev.Type)
	assert.Equal(t, "srv_a", ev.ServiceID)
}

func TestEventStreamCarriesWebhookActivity(t *testing.T) {
	f := newFixture(t)
	svc := f.seedGitService(t, "api", nil)
	sc := openStream(t, f, "?service="+svc.ID)

	status, _ := f.postGitHub(t, "push", ghPush("refs/heads/main", headSHA, "app/main.go"), githubSecret)
	require.Equal(t, http.StatusOK, status)

	// The webhook.received event carries no service id, so the scoped
	// stream starts straight at the queued deployment.
	ev := readStreamEvent(t, sc)
	assert.Equal(t, types.EventDeploymentQueued, ev.Type)
	assert.Equal(t, svc.ID, ev.ServiceID)
	assert.NotEmpty(t, ev.DeploymentHash)

	started := f.runner.deployments()
	require.Len(t, started, 1)
	assert.Equal(t, started[0].Hash, ev.DeploymentHash)
}

func TestEventStreamAnnouncesWebhookDeliveries(t *testing.T) {
	f := newFixture(t)
	f.seedGitService(t, "api", nil)
	sc := openStream(t, f, "")

	status, _ := f.postGitHub(t, "push", ghPush("refs/heads/main", headSHA, "app/main.go"), githubSecret)
	require.Equal(t, http.StatusOK, status)

	ev := readStreamEvent(t, sc)
	assert.Equal(t, types.EventWebhookReceived, ev.Type)
	assert.Equal(t, "github", ev.Data["provider"])
	assert.Equal(t, "push", ev.Data["event"])
	assert.Equal(t, f.github.ID, ev.Data["git_app"])

	ev = readStreamEvent(t, sc)
	assert.Equal(t, types.EventDeploymentQueued, ev.Type)
}

func TestEventStreamEndsWhenBrokerStops(t *testing.T) {
	f := newFixture(t)
	sc := openStream(t, f, "")

	f.broker.Stop()

	done := make(chan struct{})
	go func() {
		for sc.Scan() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream must end once the broker stops")
	}
}
