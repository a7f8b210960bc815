package changes

import (
	"bytes"
	"encoding/json"

	"github.com/zane-ops/zane/pkg/types"
)

// SnapshotDiff computes the change set that transforms the service
// captured in from into the one captured in to. Applying the result to
// a service reconstructed from from yields to exactly; diffing a
// snapshot against itself yields nothing. Redeploys stage this set as
// pending changes, so rolling back to an old deployment reuses the
// same apply path as user edits.
func SnapshotDiff(from, to *types.ServiceSnapshot) []*types.DeploymentChange {
	var out []*types.DeploymentChange

	if from.Kind == types.ServiceKindImage {
		out = appendScalarDiff(out, types.FieldSource,
			&types.SourceValue{Image: from.Image, Credentials: from.Credentials},
			&types.SourceValue{Image: to.Image, Credentials: to.Credentials})
	} else {
		out = appendScalarDiff(out, types.FieldGitSource,
			gitSourceOf(from.Repository), gitSourceOf(to.Repository))
		out = appendScalarDiff(out, types.FieldBuilder, from.Builder, to.Builder)
	}

	out = appendScalarDiff(out, types.FieldCommand, from.Command, to.Command)
	out = appendScalarDiff(out, types.FieldHealthcheck, from.Healthcheck, to.Healthcheck)
	out = appendScalarDiff(out, types.FieldResourceLimits, from.ResourceLimits, to.ResourceLimits)

	volumeID := func(v *types.Volume) string { return v.ID }
	configID := func(v *types.Config) string { return v.ID }
	urlID := func(v *types.URL) string { return v.ID }
	portID := func(v *types.Port) string { return v.ID }
	envID := func(v *types.EnvVariable) string { return v.ID }

	out = append(out, diffCollection(types.FieldVolumes, idSlice(from.Volumes, volumeID), idSlice(to.Volumes, volumeID))...)
	out = append(out, diffCollection(types.FieldConfigs, idSlice(from.Configs, configID), idSlice(to.Configs, configID))...)
	out = append(out, diffCollection(types.FieldURLs, idSlice(from.URLs, urlID), idSlice(to.URLs, urlID))...)
	out = append(out, diffCollection(types.FieldPorts, idSlice(from.Ports, portID), idSlice(to.Ports, portID))...)
	out = append(out, diffCollection(types.FieldEnvVariables, idSlice(from.EnvVariables, envID), idSlice(to.EnvVariables, envID))...)

	return out
}

func gitSourceOf(repo *types.GitRepository) *types.GitSourceValue {
	if repo == nil {
		return nil
	}
	return &types.GitSourceValue{
		RepositoryURL: repo.URL,
		Branch:        repo.Branch,
		CommitSHA:     repo.CommitSHA,
		GitAppID:      repo.GitAppID,
		GitAppKind:    repo.GitAppKind,
	}
}

func appendScalarDiff(out []*types.DeploymentChange, field types.ChangeField, from, to any) []*types.DeploymentChange {
	a := mustJSON(from)
	b := mustJSON(to)
	if bytes.Equal(a, b) {
		return out
	}
	return append(out, &types.DeploymentChange{
		Field:    field,
		Type:     types.ChangeTypeUpdate,
		OldValue: a,
		NewValue: b,
	})
}

type diffItem struct {
	id   string
	json json.RawMessage
}

func idSlice[T any](items []*T, idOf func(*T) string) []diffItem {
	out := make([]diffItem, 0, len(items))
	for _, it := range items {
		out = append(out, diffItem{id: idOf(it), json: mustJSON(it)})
	}
	return out
}

// diffCollection emits DELETE for items only in from, UPDATE for items
// present on both sides with different content, and ADD for items only
// in to, in that order so the result applies without transient
// conflicts on unique paths or domains.
func diffCollection(field types.ChangeField, from, to []diffItem) []*types.DeploymentChange {
	toByID := make(map[string]diffItem, len(to))
	for _, it := range to {
		toByID[it.id] = it
	}
	fromIDs := make(map[string]bool, len(from))

	var deletes, updates, adds []*types.DeploymentChange
	for _, old := range from {
		fromIDs[old.id] = true
		next, ok := toByID[old.id]
		if !ok {
			deletes = append(deletes, &types.DeploymentChange{
				Field:    field,
				Type:     types.ChangeTypeDelete,
				ItemID:   old.id,
				OldValue: old.json,
			})
			continue
		}
		if !bytes.Equal(old.json, next.json) {
			updates = append(updates, &types.DeploymentChange{
				Field:    field,
				Type:     types.ChangeTypeUpdate,
				ItemID:   old.id,
				OldValue: old.json,
				NewValue: next.json,
			})
		}
	}
	for _, next := range to {
		if !fromIDs[next.id] {
			adds = append(adds, &types.DeploymentChange{
				Field:    field,
				Type:     types.ChangeTypeAdd,
				NewValue: next.json,
			})
		}
	}

	out := deletes
	out = append(out, updates...)
	out = append(out, adds...)
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// all diffed values are plain structs, marshal cannot fail
		panic(err)
	}
	return b
}
