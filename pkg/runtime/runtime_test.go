package runtime

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"./server", []string{"./server"}},
		{"./server --port 8080", []string{"./server", "--port", "8080"}},
		{`sh -c "echo hello world"`, []string{"sh", "-c", "echo hello world"}},
		{`redis-server --requirepass 'p a s s'`, []string{"redis-server", "--requirepass", "p a s s"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{`empty ""`, []string{"empty", ""}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SplitCommand(tc.in), "input %q", tc.in)
	}
}

func TestMapTaskState(t *testing.T) {
	cases := map[swarm.TaskState]TaskState{
		swarm.TaskStateRunning:   TaskRunning,
		swarm.TaskStateFailed:    TaskFailed,
		swarm.TaskStateRejected:  TaskFailed,
		swarm.TaskStateComplete:  TaskStopped,
		swarm.TaskStateShutdown:  TaskStopped,
		swarm.TaskStatePending:   TaskStarting,
		swarm.TaskStateStarting:  TaskStarting,
		swarm.TaskStatePreparing: TaskStarting,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapTaskState(in), string(in))
	}
}

func TestFakeEnsureReportsCreated(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	created, err := fake.EnsureVolume(ctx, "vol-a", nil)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = fake.EnsureVolume(ctx, "vol-a", nil)
	require.NoError(t, err)
	assert.False(t, created, "second ensure of the same volume")

	created, err = fake.EnsureNetwork(ctx, "net-a", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, fake.HasNetwork("net-a"))
}

func TestFakeServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	created, err := fake.EnsureService(ctx, &ServiceSpec{Name: "srv-a", Image: "nginx", Replicas: 1})
	require.NoError(t, err)
	assert.True(t, created)

	tasks, err := fake.ListTasks(ctx, "srv-a")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskRunning, tasks[0].State)
	assert.NotEmpty(t, tasks[0].ContainerID)

	require.NoError(t, fake.ScaleService(ctx, "srv-a", 0))
	tasks, err = fake.ListTasks(ctx, "srv-a")
	require.NoError(t, err)
	assert.Empty(t, tasks, "scaled-to-zero services expose no tasks")

	require.NoError(t, fake.RemoveService(ctx, "srv-a"))
	assert.Nil(t, fake.Service("srv-a"))
}

func TestFakeTaskStateOverride(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	fake.TaskStateFor["srv-b"] = TaskFailed

	_, err := fake.EnsureService(ctx, &ServiceSpec{Name: "srv-b", Image: "bad", Replicas: 1})
	require.NoError(t, err)

	tasks, err := fake.ListTasks(ctx, "srv-b")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskFailed, tasks[0].State)
}

func TestTarDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "objects", "x"), []byte("blob"), 0o644))

	rc, err := tarDirectory(dir)
	require.NoError(t, err)
	defer rc.Close()

	entries := map[string]string{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			entries[hdr.Name] = string(data)
		} else {
			entries[hdr.Name] = ""
		}
	}

	assert.Equal(t, "FROM scratch\n", entries["Dockerfile"])
	assert.Equal(t, "package main\n", entries["src/main.go"])
	for name := range entries {
		assert.NotContains(t, name, ".git", "git internals must not reach the build context")
	}
}

func TestTarDirectoryRejectsFiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err := tarDirectory(file)
	assert.Error(t, err)
}
