package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zane-ops/zane/pkg/cache"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/gitapp"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/manager"
	"github.com/zane-ops/zane/pkg/security"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply resource definitions from a YAML file",
	Long: `Seed projects, services and git app installations from a YAML file.

Apply opens the data directory directly, so the server must not be
running. Resources that already exist are skipped.

Examples:
  # Create a project with an image service
  zane apply -f shop.yaml

  # Register a GitHub App installation
  zane apply -f github-app.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// ZaneResource is one document in an apply file.
type ZaneResource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ResourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Keep command output readable; the manager logs at info.
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: false})

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	store, err := storage.NewBoltStore(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer store.Close()

	var secrets *security.SecretsManager
	if cfg.Secrets.EncryptionKey != "" {
		secrets, err = security.NewSecretsManagerFromHex(cfg.Secrets.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to initialize secrets manager: %v", err)
		}
	}

	redisCache := cache.New(cfg.Redis.Addr, cfg.Redis.DB)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// Apply only creates entities; nothing here starts a workflow, so
	// the manager runs without a Temporal connection.
	mgr := manager.New(manager.Options{
		Store:   store,
		Cache:   redisCache,
		Broker:  broker,
		GitApps: gitapp.New(store, redisCache, secrets),
		Secrets: secrets,
		Config:  cfg,
	})

	ctx := context.Background()
	dec := yaml.NewDecoder(f)
	for {
		var resource ZaneResource
		if err := dec.Decode(&resource); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse YAML: %v", err)
		}
		if resource.Kind == "" {
			continue
		}

		switch resource.Kind {
		case "Project":
			err = applyProject(ctx, mgr, store, &resource)
		case "Service":
			err = applyService(ctx, mgr, store, &resource)
		case "GitApp":
			if secrets == nil {
				return fmt.Errorf("secrets.encryption_key is required to store git app credentials")
			}
			err = applyGitApp(ctx, mgr, store, &resource)
		default:
			err = fmt.Errorf("unsupported resource kind: %s", resource.Kind)
		}
		if err != nil {
			return err
		}
	}
}

func applyProject(ctx context.Context, mgr *manager.Manager, store storage.Store, resource *ZaneResource) error {
	name := resource.Metadata.Name

	if existing, err := store.GetProjectBySlug(name); err == nil && existing != nil {
		fmt.Printf("Project already exists: %s (skipping)\n", name)
		return nil
	}

	fmt.Printf("Creating project: %s\n", name)
	project, err := mgr.CreateProject(ctx, name, getString(resource.Spec, "description", ""))
	if err != nil {
		return fmt.Errorf("failed to create project: %v", err)
	}
	fmt.Printf("✓ Project created: %s (ID: %s)\n", name, project.ID)
	return nil
}

func applyService(ctx context.Context, mgr *manager.Manager, store storage.Store, resource *ZaneResource) error {
	name := resource.Metadata.Name
	projectSlug := getString(resource.Spec, "project", "")
	if projectSlug == "" {
		return fmt.Errorf("service %s: spec.project is required", name)
	}

	project, err := store.GetProjectBySlug(projectSlug)
	if err != nil {
		return fmt.Errorf("service %s: project %q not found", name, projectSlug)
	}

	in := manager.CreateServiceInput{
		ProjectID: project.ID,
		Slug:      name,
	}

	if envName := getString(resource.Spec, "environment", ""); envName != "" && envName != types.ProductionEnv {
		err := store.View(func(tx *storage.Tx) error {
			env, err := tx.GetEnvironmentByName(project.ID, envName)
			if err != nil {
				return err
			}
			in.EnvironmentID = env.ID
			return nil
		})
		if err != nil {
			return fmt.Errorf("service %s: environment %q not found in project %q", name, envName, projectSlug)
		}
	}

	// Skip services that already exist; edits go through the change
	// log, not through apply.
	exists := store.View(func(tx *storage.Tx) error {
		env, err := environmentOf(tx, project.ID, in.EnvironmentID)
		if err != nil {
			return err
		}
		_, err = tx.GetServiceBySlug(env.ID, name)
		return err
	})
	if exists == nil {
		fmt.Printf("Service already exists: %s (skipping)\n", name)
		return nil
	}

	if image := getString(resource.Spec, "image", ""); image != "" {
		in.Kind = types.ServiceKindImage
		in.Image = image
	} else {
		in.Kind = types.ServiceKindGit
		in.RepositoryURL = getString(resource.Spec, "repository", "")
		in.Branch = getString(resource.Spec, "branch", "main")
		in.CommitSHA = getString(resource.Spec, "commit", "HEAD")
		in.Builder = &types.BuilderConfig{
			Kind: types.BuilderDockerfile,
			Dockerfile: &types.DockerfileBuilderOptions{
				DockerfilePath: getString(resource.Spec, "dockerfile", "./Dockerfile"),
			},
		}

		if appName := getString(resource.Spec, "gitApp", ""); appName != "" {
			app, err := gitAppByName(store, appName)
			if err != nil {
				return fmt.Errorf("service %s: %v", name, err)
			}
			in.GitAppID = app.ID
		}
	}

	fmt.Printf("Creating service: %s\n", name)
	service, err := mgr.CreateService(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to create service: %v", err)
	}
	fmt.Printf("✓ Service created: %s (ID: %s, deploy token: %s)\n", name, service.ID, service.DeployToken)
	return nil
}

func applyGitApp(ctx context.Context, mgr *manager.Manager, store storage.Store, resource *ZaneResource) error {
	name := resource.Metadata.Name

	if existing, _ := gitAppByName(store, name); existing != nil {
		fmt.Printf("Git app already exists: %s (skipping)\n", name)
		return nil
	}

	var app *types.GitApp
	var err error
	if _, ok := resource.Spec["privateKeyFile"]; ok {
		pem, readErr := os.ReadFile(getString(resource.Spec, "privateKeyFile", ""))
		if readErr != nil {
			return fmt.Errorf("git app %s: failed to read private key: %v", name, readErr)
		}

		fmt.Printf("Registering GitHub App: %s\n", name)
		app, err = mgr.CreateGitHubApp(ctx, manager.GitHubAppInput{
			Name:           name,
			AppID:          getInt64(resource.Spec, "appId", 0),
			InstallationID: getInt64(resource.Spec, "installationId", 0),
			AppURL:         getString(resource.Spec, "appUrl", ""),
			PrivateKeyPEM:  string(pem),
			WebhookSecret:  getString(resource.Spec, "webhookSecret", ""),
		})
	} else {
		fmt.Printf("Registering GitLab app: %s\n", name)
		app, err = mgr.CreateGitLabApp(ctx, manager.GitLabAppInput{
			Name:          name,
			BaseURL:       getString(resource.Spec, "baseUrl", ""),
			AppID:         getString(resource.Spec, "appId", ""),
			AppSecret:     getString(resource.Spec, "appSecret", ""),
			RefreshToken:  getString(resource.Spec, "refreshToken", ""),
			RedirectURI:   getString(resource.Spec, "redirectUri", ""),
			WebhookSecret: getString(resource.Spec, "webhookSecret", ""),
		})
	}
	if err != nil {
		return fmt.Errorf("failed to register git app: %v", err)
	}

	fmt.Printf("✓ Git app registered: %s (ID: %s)\n", name, app.ID)
	fmt.Printf("  Point the provider webhook at /webhook/%s\n", providerPath(app.Kind))
	return nil
}

func environmentOf(tx *storage.Tx, projectID, envID string) (*types.Environment, error) {
	if envID == "" {
		return tx.GetEnvironmentByName(projectID, types.ProductionEnv)
	}
	return tx.GetEnvironment(envID)
}

func gitAppByName(store storage.Store, name string) (*types.GitApp, error) {
	apps, err := store.ListGitApps()
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if app.Name == name {
			return app, nil
		}
	}
	return nil, zerrors.NotFoundf("git app %q", name)
}

func providerPath(kind types.GitAppKind) string {
	if kind == types.GitAppGitLab {
		return "gitlab"
	}
	return "github"
}

// Helper functions
func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getInt64(m map[string]interface{}, key string, defaultValue int64) int64 {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return int64(val)
		case int64:
			return val
		case float64:
			return int64(val)
		}
	}
	return defaultValue
}
