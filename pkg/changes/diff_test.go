package changes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/types"
)

func snapshotFixture() *types.ServiceSnapshot {
	return &types.ServiceSnapshot{
		ID:            "srv_1",
		Slug:          "api",
		Kind:          types.ServiceKindImage,
		ProjectID:     "prj_1",
		ProjectSlug:   "acme",
		EnvironmentID: "env_1",
		Image:         "ghcr.io/acme/api:v1",
		Command:       "./server",
		NetworkAlias:  "zn-api-abc",
		Volumes: []*types.Volume{
			{ID: "vol_1", Name: "data", ContainerPath: "/data", Mode: types.VolumeModeReadWrite},
		},
		URLs: []*types.URL{
			{ID: "url_1", Domain: "api.example.com", BasePath: "/", AssociatedPort: 8080},
		},
		EnvVariables: []*types.EnvVariable{
			{ID: "var_1", Key: "MODE", Value: "prod"},
		},
		Healthcheck: &types.Healthcheck{Type: types.HealthcheckPath, Value: "/health", AssociatedPort: 8080},
	}
}

func cloneSnapshot(t *testing.T, s *types.ServiceSnapshot) *types.ServiceSnapshot {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	var out types.ServiceSnapshot
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func TestSnapshotDiffIdentity(t *testing.T) {
	a := snapshotFixture()
	assert.Empty(t, SnapshotDiff(a, a))
	assert.Empty(t, SnapshotDiff(a, cloneSnapshot(t, a)))
}

func TestSnapshotDiffScalars(t *testing.T) {
	from := snapshotFixture()
	to := cloneSnapshot(t, from)
	to.Image = "ghcr.io/acme/api:v2"
	to.Command = ""
	to.Healthcheck = nil

	diff := SnapshotDiff(from, to)
	require.Len(t, diff, 3)

	byField := map[types.ChangeField]*types.DeploymentChange{}
	for _, c := range diff {
		assert.Equal(t, types.ChangeTypeUpdate, c.Type)
		byField[c.Field] = c
	}

	src := byField[types.FieldSource]
	require.NotNil(t, src)
	var v types.SourceValue
	require.NoError(t, json.Unmarshal(src.NewValue, &v))
	assert.Equal(t, "ghcr.io/acme/api:v2", v.Image)

	hc := byField[types.FieldHealthcheck]
	require.NotNil(t, hc)
	assert.Equal(t, "null", string(hc.NewValue))
}

func TestSnapshotDiffCollections(t *testing.T) {
	from := snapshotFixture()
	to := cloneSnapshot(t, from)
	to.URLs = []*types.URL{
		{ID: "url_1", Domain: "api.example.com", BasePath: "/", AssociatedPort: 9090}, // updated port
		{ID: "url_2", Domain: "www.example.com", BasePath: "/", AssociatedPort: 8080}, // added
	}
	to.EnvVariables = nil // var_1 deleted

	diff := SnapshotDiff(from, to)
	require.Len(t, diff, 3)

	kinds := map[string]types.ChangeType{}
	for _, c := range diff {
		kinds[string(c.Field)+"/"+c.ItemID] = c.Type
	}
	assert.Equal(t, types.ChangeTypeUpdate, kinds["URLS/url_1"])
	assert.Equal(t, types.ChangeTypeAdd, kinds["URLS/"])
	assert.Equal(t, types.ChangeTypeDelete, kinds["ENV_VARIABLES/var_1"])
}

func TestSnapshotDiffDeletesBeforeAdds(t *testing.T) {
	from := snapshotFixture()
	to := cloneSnapshot(t, from)
	// same domain and path, different id: only valid if the delete
	// lands before the add
	to.URLs = []*types.URL{
		{ID: "url_9", Domain: "api.example.com", BasePath: "/", AssociatedPort: 3000},
	}

	diff := SnapshotDiff(from, to)
	require.Len(t, diff, 2)
	assert.Equal(t, types.ChangeTypeDelete, diff[0].Type)
	assert.Equal(t, types.ChangeTypeAdd, diff[1].Type)
}

// Applying the diff of two snapshots to the first must reproduce the
// second exactly.
func TestSnapshotDiffRoundTrip(t *testing.T) {
	from := snapshotFixture()

	to := cloneSnapshot(t, from)
	to.Image = "ghcr.io/acme/api:v3"
	to.Command = "./server --verbose"
	to.ResourceLimits = &types.ResourceLimits{CPUs: 2, MemoryBytes: 512 << 20}
	to.Volumes = []*types.Volume{
		{ID: "vol_1", Name: "data", ContainerPath: "/var/lib/data", Mode: types.VolumeModeReadWrite},
		{ID: "vol_2", Name: "cache", ContainerPath: "/cache", Mode: types.VolumeModeReadWrite},
	}
	to.URLs = []*types.URL{
		{ID: "url_2", Domain: "v3.example.com", BasePath: "/", AssociatedPort: 8080},
	}
	to.EnvVariables = []*types.EnvVariable{
		{ID: "var_1", Key: "MODE", Value: "staging"},
	}
	to.Healthcheck = &types.Healthcheck{Type: types.HealthcheckCommand, Value: "curl -f localhost:8080"}

	diff := SnapshotDiff(from, to)
	require.NotEmpty(t, diff)

	restored, err := projectService(from.Service(), diff)
	require.NoError(t, err)

	gotJSON, err := json.Marshal(restored)
	require.NoError(t, err)
	wantJSON, err := json.Marshal(to.Service())
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

func TestSnapshotDiffGitSource(t *testing.T) {
	from := &types.ServiceSnapshot{
		ID:   "srv_g",
		Slug: "web",
		Kind: types.ServiceKindGit,
		Repository: &types.GitRepository{
			URL: "https://github.com/acme/web.git", Branch: "main", CommitSHA: "aaa111",
		},
		Builder: &types.BuilderConfig{Kind: types.BuilderDockerfile},
	}
	to := cloneSnapshot(t, from)
	to.Repository.CommitSHA = "bbb222"
	to.Builder = &types.BuilderConfig{Kind: types.BuilderNixpacks}

	diff := SnapshotDiff(from, to)
	require.Len(t, diff, 2)

	fields := []types.ChangeField{diff[0].Field, diff[1].Field}
	assert.Contains(t, fields, types.FieldGitSource)
	assert.Contains(t, fields, types.FieldBuilder)

	for _, c := range diff {
		if c.Field == types.FieldGitSource {
			var v types.GitSourceValue
			require.NoError(t, json.Unmarshal(c.NewValue, &v))
			assert.Equal(t, "bbb222", v.CommitSHA)
		}
	}
}
