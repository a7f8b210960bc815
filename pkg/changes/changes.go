package changes

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/zane-ops/zane/pkg/builder"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// AddChange validates and appends one pending change to the service's
// change log. The change is checked three ways: its payload against the
// field schema, the change against the service kind, and the projected
// service (current state plus all pending changes plus this one)
// against the uniqueness and source invariants.
func AddChange(tx *storage.Tx, svc *types.Service, c *types.DeploymentChange) error {
	if err := validateKind(svc, c); err != nil {
		return err
	}
	if c.Type != types.ChangeTypeDelete {
		if err := validateNewValue(c.Field, c.NewValue); err != nil {
			return err
		}
	}

	pending, err := tx.ListPendingChanges(svc.ID)
	if err != nil {
		return err
	}
	current, err := projectService(svc, pending)
	if err != nil {
		return err
	}

	if c.Field.CollectionField() {
		switch c.Type {
		case types.ChangeTypeAdd:
			value, err := prepareAddValue(c.Field, c.NewValue)
			if err != nil {
				return err
			}
			c.NewValue = value
		case types.ChangeTypeUpdate, types.ChangeTypeDelete:
			old, err := findItem(current, c.Field, c.ItemID)
			if err != nil {
				return err
			}
			c.OldValue = old
			if c.Type == types.ChangeTypeUpdate {
				value, err := prepareUpdateValue(c.Field, c.ItemID, c.NewValue, old)
				if err != nil {
					return err
				}
				c.NewValue = value
			}
		default:
			return zerrors.Validationf(string(c.Field), "unknown change type %q", c.Type)
		}
	} else {
		if c.Type != types.ChangeTypeUpdate {
			return zerrors.Validationf(string(c.Field), "%s only supports UPDATE", c.Field)
		}
		old, err := currentScalar(current, c.Field)
		if err != nil {
			return err
		}
		c.OldValue = old
	}

	switch c.Field {
	case types.FieldBuilder:
		value, err := prepareBuilderValue(c.NewValue)
		if err != nil {
			return err
		}
		c.NewValue = value
	case types.FieldGitSource:
		value, err := freezeGitApp(tx, c.NewValue)
		if err != nil {
			return err
		}
		c.NewValue = value
	}

	c.ID = types.NewID(types.PrefixChange)
	c.ServiceID = svc.ID
	c.Applied = false
	c.DeploymentID = ""
	c.CreatedAt = time.Now().UTC()

	projected, err := projectService(svc, append(pending, c))
	if err != nil {
		return zerrors.Validationf(string(c.Field), "change does not apply: %v", err)
	}
	if err := validateProjection(projected); err != nil {
		return err
	}
	if c.Field == types.FieldURLs && c.Type != types.ChangeTypeDelete {
		if err := validateURLsAgainstSiblings(tx, svc, projected); err != nil {
			return err
		}
	}

	return tx.CreateChange(c)
}

// CancelChange deletes a pending change, but only if the remaining
// pending set still projects to a valid service. Removing the change
// that holds the only image or repository fails with a conflict.
func CancelChange(tx *storage.Tx, svc *types.Service, changeID string) error {
	c, err := tx.GetChange(changeID)
	if err != nil {
		return err
	}
	if c.ServiceID != svc.ID {
		return zerrors.NotFoundf("change %s on service %s", changeID, svc.Slug)
	}
	if c.Applied {
		return zerrors.Conflictf("change %s is already applied", changeID)
	}

	pending, err := tx.ListPendingChanges(svc.ID)
	if err != nil {
		return err
	}
	remaining := pending[:0]
	for _, p := range pending {
		if p.ID != changeID {
			remaining = append(remaining, p)
		}
	}

	projected, err := projectService(svc, remaining)
	if err != nil {
		return err
	}
	if err := validateProjection(projected); err != nil {
		return zerrors.Conflictf("cancelling change %s leaves the service invalid: %v", changeID, err)
	}

	return tx.DeleteChange(changeID)
}

// ApplyPendingChanges folds every pending change of the service into
// the row, stamps them applied and attributes them to the deployment.
// Runs inside the caller's transaction; changes already applied are
// never revisited, so re-invocation is a no-op.
func ApplyPendingChanges(tx *storage.Tx, svc *types.Service, deployment *types.Deployment) ([]*types.DeploymentChange, error) {
	pending, err := tx.ListPendingChanges(svc.ID)
	if err != nil {
		return nil, err
	}
	sortForApply(pending)

	for _, c := range pending {
		if err := applyChange(svc, c); err != nil {
			return nil, err
		}
		c.Applied = true
		c.DeploymentID = deployment.ID
		if err := tx.UpdateChange(c); err != nil {
			return nil, err
		}
	}

	defaultHealthcheckPort(svc)

	svc.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateService(svc); err != nil {
		return nil, err
	}
	return pending, nil
}

func validateKind(svc *types.Service, c *types.DeploymentChange) error {
	switch c.Field {
	case types.FieldSource:
		if svc.Kind != types.ServiceKindImage {
			return zerrors.Validationf(string(c.Field), "SOURCE only applies to image services")
		}
	case types.FieldGitSource, types.FieldBuilder:
		if svc.Kind != types.ServiceKindGit {
			return zerrors.Validationf(string(c.Field), "%s only applies to git services", c.Field)
		}
	}
	return nil
}

// prepareAddValue assigns the collection item its identity before the
// change is stored, so applying is deterministic and redeploy diffs can
// reproduce the exact item.
func prepareAddValue(field types.ChangeField, raw json.RawMessage) (json.RawMessage, error) {
	switch field {
	case types.FieldVolumes:
		var v types.Volume
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if v.ID == "" {
			v.ID = types.NewID(types.PrefixVolume)
		}
		if v.Name == "" {
			v.Name = types.UnprefixedID(v.ID)
		}
		if v.Mode == "" {
			v.Mode = types.VolumeModeReadWrite
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now().UTC()
		}
		return json.Marshal(&v)

	case types.FieldConfigs:
		var v types.Config
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if v.ID == "" {
			v.ID = types.NewID(types.PrefixConfig)
		}
		if v.Name == "" {
			v.Name = types.UnprefixedID(v.ID)
		}
		if v.Version == 0 {
			v.Version = 1
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now().UTC()
		}
		return json.Marshal(&v)

	case types.FieldURLs:
		var v types.URL
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if v.ID == "" {
			v.ID = types.NewID(types.PrefixURL)
		}
		if v.BasePath == "" {
			v.BasePath = "/"
		}
		return json.Marshal(&v)

	case types.FieldPorts:
		var v types.Port
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if v.ID == "" {
			v.ID = types.NewID(types.PrefixPort)
		}
		return json.Marshal(&v)

	case types.FieldEnvVariables:
		var v types.EnvVariable
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if v.ID == "" {
			v.ID = types.NewID(types.PrefixEnvVar)
		}
		return json.Marshal(&v)
	}
	return raw, nil
}

// prepareUpdateValue pins the updated item to the addressed id and
// handles per-field bookkeeping, like bumping the config version when
// contents change (runtime config objects are immutable).
func prepareUpdateValue(field types.ChangeField, itemID string, raw, old json.RawMessage) (json.RawMessage, error) {
	switch field {
	case types.FieldVolumes:
		var prev, next types.Volume
		if err := json.Unmarshal(old, &prev); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, err
		}
		next.ID = itemID
		next.CreatedAt = prev.CreatedAt
		if next.Name == "" {
			next.Name = prev.Name
		}
		if next.Mode == "" {
			next.Mode = prev.Mode
		}
		return json.Marshal(&next)

	case types.FieldConfigs:
		var prev, next types.Config
		if err := json.Unmarshal(old, &prev); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, err
		}
		next.ID = itemID
		next.CreatedAt = prev.CreatedAt
		if next.Name == "" {
			next.Name = prev.Name
		}
		next.Version = prev.Version
		if next.Contents != prev.Contents {
			next.Version = prev.Version + 1
		}
		return json.Marshal(&next)

	case types.FieldURLs:
		var next types.URL
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, err
		}
		next.ID = itemID
		if next.BasePath == "" {
			next.BasePath = "/"
		}
		return json.Marshal(&next)

	case types.FieldPorts:
		var next types.Port
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, err
		}
		next.ID = itemID
		return json.Marshal(&next)

	case types.FieldEnvVariables:
		var next types.EnvVariable
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, err
		}
		next.ID = itemID
		return json.Marshal(&next)
	}
	return raw, nil
}

// prepareBuilderValue normalizes options and embeds the generated
// Caddyfile for static builders, so the executor never re-derives it.
func prepareBuilderValue(raw json.RawMessage) (json.RawMessage, error) {
	var cfg types.BuilderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, zerrors.Validationf("BUILDER", "malformed value: %v", err)
	}
	if err := builder.GenerateArtifacts(&cfg); err != nil {
		return nil, zerrors.Validationf("BUILDER", "%v", err)
	}
	return json.Marshal(&cfg)
}

// freezeGitApp resolves the referenced git app and embeds its identity
// into the change value. Deployments planned later authenticate with
// the app as it was configured when the change was staged, even if the
// service is migrated to another provider in the meantime.
func freezeGitApp(tx *storage.Tx, raw json.RawMessage) (json.RawMessage, error) {
	var v types.GitSourceValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, zerrors.Validationf("GIT_SOURCE", "malformed value: %v", err)
	}
	if v.CommitSHA == "" {
		v.CommitSHA = "HEAD"
	}
	if v.GitAppID != "" {
		app, err := tx.GetGitApp(v.GitAppID)
		if err != nil {
			if errors.Is(err, zerrors.ErrNotFound) {
				return nil, zerrors.Validationf("GIT_SOURCE", "git app %s does not exist", v.GitAppID)
			}
			return nil, err
		}
		v.GitAppKind = app.Kind
	}
	return json.Marshal(&v)
}

// findItem locates a collection item on the projected service and
// returns its JSON, which becomes the change's old value.
func findItem(svc *types.Service, field types.ChangeField, itemID string) (json.RawMessage, error) {
	if itemID == "" {
		return nil, zerrors.Validationf(string(field), "item id is required")
	}
	var item any
	switch field {
	case types.FieldVolumes:
		for _, v := range svc.Volumes {
			if v.ID == itemID {
				item = v
			}
		}
	case types.FieldConfigs:
		for _, v := range svc.Configs {
			if v.ID == itemID {
				item = v
			}
		}
	case types.FieldURLs:
		for _, v := range svc.URLs {
			if v.ID == itemID {
				item = v
			}
		}
	case types.FieldPorts:
		for _, v := range svc.Ports {
			if v.ID == itemID {
				item = v
			}
		}
	case types.FieldEnvVariables:
		for _, v := range svc.EnvVariables {
			if v.ID == itemID {
				item = v
			}
		}
	}
	if item == nil {
		return nil, zerrors.NotFoundf("%s item %s", field, itemID)
	}
	return json.Marshal(item)
}

func currentScalar(svc *types.Service, field types.ChangeField) (json.RawMessage, error) {
	switch field {
	case types.FieldSource:
		return json.Marshal(&types.SourceValue{Image: svc.Image, Credentials: svc.Credentials})
	case types.FieldGitSource:
		if svc.Repository == nil {
			return json.Marshal(nil)
		}
		return json.Marshal(&types.GitSourceValue{
			RepositoryURL: svc.Repository.URL,
			Branch:        svc.Repository.Branch,
			CommitSHA:     svc.Repository.CommitSHA,
			GitAppID:      svc.Repository.GitAppID,
			GitAppKind:    svc.Repository.GitAppKind,
		})
	case types.FieldBuilder:
		return json.Marshal(svc.Builder)
	case types.FieldCommand:
		return json.Marshal(svc.Command)
	case types.FieldHealthcheck:
		return json.Marshal(svc.Healthcheck)
	case types.FieldResourceLimits:
		return json.Marshal(svc.ResourceLimits)
	}
	return nil, zerrors.Validationf(string(field), "unknown field")
}

// validateURLsAgainstSiblings rejects URL changes that would claim a
// (domain, base path) pair held by another service in the environment.
func validateURLsAgainstSiblings(tx *storage.Tx, svc *types.Service, projected *types.Service) error {
	siblings, err := tx.ListServicesByEnvironment(svc.EnvironmentID)
	if err != nil {
		return err
	}
	taken := map[string]string{}
	for _, sib := range siblings {
		if sib.ID == svc.ID {
			continue
		}
		for _, u := range sib.URLs {
			taken[urlKey(u.Domain, u.BasePath)] = sib.Slug
		}
	}
	for _, u := range projected.URLs {
		if owner, ok := taken[urlKey(u.Domain, u.BasePath)]; ok {
			return zerrors.Validationf("URLS", "%s is already claimed by service %s", urlKey(u.Domain, u.BasePath), owner)
		}
	}
	return nil
}
