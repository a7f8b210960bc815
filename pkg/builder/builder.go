package builder

import (
	"fmt"
	"strings"

	"github.com/zane-ops/zane/pkg/types"
)

// StaticRootDir is where static builder images serve files from.
const StaticRootDir = "/var/www/html"

// staticServerImage is the base image wrapped around static content.
const staticServerImage = "caddy:2.8-alpine"

// Normalize fills in the defaults of the options matching cfg.Kind and
// rejects configs whose kind and options disagree. Called when a
// BUILDER change is validated, so snapshots always carry fully
// populated options.
func Normalize(cfg *types.BuilderConfig) error {
	switch cfg.Kind {
	case types.BuilderDockerfile:
		if cfg.Dockerfile == nil {
			cfg.Dockerfile = &types.DockerfileBuilderOptions{}
		}
		if cfg.Dockerfile.BuildContextDir == "" {
			cfg.Dockerfile.BuildContextDir = "./"
		}
		if cfg.Dockerfile.DockerfilePath == "" {
			cfg.Dockerfile.DockerfilePath = "./Dockerfile"
		}
		cfg.StaticDir, cfg.Nixpacks, cfg.Railpack = nil, nil, nil
	case types.BuilderStaticDir:
		if cfg.StaticDir == nil {
			cfg.StaticDir = &types.StaticDirBuilderOptions{}
		}
		normalizeStaticDir(cfg.StaticDir)
		cfg.Dockerfile, cfg.Nixpacks, cfg.Railpack = nil, nil, nil
	case types.BuilderNixpacks:
		if cfg.Nixpacks == nil {
			cfg.Nixpacks = &types.NixpacksBuilderOptions{}
		}
		normalizeNixpacks(cfg.Nixpacks)
		cfg.Dockerfile, cfg.StaticDir, cfg.Railpack = nil, nil, nil
	case types.BuilderRailpack:
		if cfg.Railpack == nil {
			cfg.Railpack = &types.NixpacksBuilderOptions{}
		}
		normalizeNixpacks(cfg.Railpack)
		cfg.Dockerfile, cfg.StaticDir, cfg.Nixpacks = nil, nil, nil
	default:
		return fmt.Errorf("unknown builder kind %q", cfg.Kind)
	}
	return nil
}

func normalizeStaticDir(opts *types.StaticDirBuilderOptions) {
	if opts.PublishDirectory == "" {
		opts.PublishDirectory = "./"
	}
	if opts.IndexPage == "" {
		opts.IndexPage = "./index.html"
	}
	if opts.IsSPA {
		// An SPA routes every miss through its index page.
		opts.NotFoundPage = opts.IndexPage
	}
}

func normalizeNixpacks(opts *types.NixpacksBuilderOptions) {
	if opts.BuildDirectory == "" {
		opts.BuildDirectory = "./"
	}
	if opts.IsStatic {
		if opts.PublishDirectory == "" {
			opts.PublishDirectory = "./dist"
		}
		if opts.IndexPage == "" {
			opts.IndexPage = "./index.html"
		}
		if opts.IsSPA {
			opts.NotFoundPage = opts.IndexPage
		}
	}
}

// GenerateArtifacts derives the Caddyfile for static builders and
// stores it inside the options. The change log calls this when a
// BUILDER change is added, so the executor never re-derives the file.
func GenerateArtifacts(cfg *types.BuilderConfig) error {
	if err := Normalize(cfg); err != nil {
		return err
	}
	switch cfg.Kind {
	case types.BuilderStaticDir:
		cfg.StaticDir.GeneratedCaddyfile = StaticCaddyfile(StaticSite{
			IndexPage:    cfg.StaticDir.IndexPage,
			NotFoundPage: cfg.StaticDir.NotFoundPage,
			IsSPA:        cfg.StaticDir.IsSPA,
		})
	case types.BuilderNixpacks:
		if cfg.Nixpacks.IsStatic {
			cfg.Nixpacks.GeneratedCaddyfile = StaticCaddyfile(StaticSite{
				IndexPage:    cfg.Nixpacks.IndexPage,
				NotFoundPage: cfg.Nixpacks.NotFoundPage,
				IsSPA:        cfg.Nixpacks.IsSPA,
			})
		}
	case types.BuilderRailpack:
		if cfg.Railpack.IsStatic {
			cfg.Railpack.GeneratedCaddyfile = StaticCaddyfile(StaticSite{
				IndexPage:    cfg.Railpack.IndexPage,
				NotFoundPage: cfg.Railpack.NotFoundPage,
				IsSPA:        cfg.Railpack.IsSPA,
			})
		}
	}
	return nil
}

// StaticSite describes the serving behavior of a static build output.
type StaticSite struct {
	IndexPage    string
	NotFoundPage string
	IsSPA        bool
}

// StaticCaddyfile renders the web server config baked into static
// builder images. The file is attached to the snapshot, making the
// image a thin wrapper around the published directory.
func StaticCaddyfile(site StaticSite) string {
	index := cleanSitePath(site.IndexPage, "./index.html")

	var b strings.Builder
	b.WriteString(":80 {\n")
	fmt.Fprintf(&b, "\troot * %s\n", StaticRootDir)
	b.WriteString("\tencode gzip\n\n")

	if site.IsSPA {
		// Client-side routing: misses fall through to the index page.
		fmt.Fprintf(&b, "\ttry_files {path} %s\n", index)
	}

	b.WriteString("\tfile_server {\n")
	fmt.Fprintf(&b, "\t\tindex %s\n", strings.TrimPrefix(index, "/"))
	b.WriteString("\t}\n")

	if !site.IsSPA && site.NotFoundPage != "" {
		notFound := cleanSitePath(site.NotFoundPage, "")
		b.WriteString("\n\thandle_errors {\n")
		b.WriteString("\t\t@404 expression `{http.error.status_code} == 404`\n")
		fmt.Fprintf(&b, "\t\trewrite @404 %s\n", notFound)
		b.WriteString("\t\tfile_server\n")
		b.WriteString("\t}\n")
	}

	b.WriteString("}\n")
	return b.String()
}

// StaticDockerfile renders the Dockerfile that wraps a directory of
// files (or the publish directory of an earlier build stage) behind
// the static server image.
func StaticDockerfile(fromImage, publishDir string) string {
	var b strings.Builder
	if fromImage != "" {
		fmt.Fprintf(&b, "FROM %s AS build\n\n", fromImage)
	}
	fmt.Fprintf(&b, "FROM %s\n", staticServerImage)
	fmt.Fprintf(&b, "WORKDIR %s\n", StaticRootDir)
	if fromImage != "" {
		fmt.Fprintf(&b, "COPY --from=build /app/%s %s/\n", strings.TrimPrefix(cleanDir(publishDir), "/"), StaticRootDir)
	} else {
		fmt.Fprintf(&b, "COPY %s %s/\n", cleanDir(publishDir), StaticRootDir)
	}
	b.WriteString("COPY Caddyfile /etc/caddy/Caddyfile\n")
	b.WriteString("EXPOSE 80\n")
	return b.String()
}

// cleanSitePath turns user-supplied page paths into absolute site
// paths ("index.html" and "./index.html" both become "/index.html").
func cleanSitePath(p, fallback string) string {
	if p == "" {
		p = fallback
	}
	p = strings.TrimPrefix(p, ".")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func cleanDir(dir string) string {
	if dir == "" || dir == "./" || dir == "." {
		return "./"
	}
	return "./" + strings.TrimPrefix(strings.TrimPrefix(dir, "./"), "/")
}
