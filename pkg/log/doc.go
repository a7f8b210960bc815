/*
Package log provides structured logging for zane using zerolog.

It wraps zerolog behind a package-level root logger with component and
entity scoped children. All packages log through it so output stays
uniform: JSON in production, console format for local work.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers are derived once per subsystem:

	wlog := log.WithComponent("webhook")
	wlog.Info().Str("provider", "github").Msg("push received")

Entity helpers attach an id to an existing logger when a code path
emits several records about the same service or deployment:

	dlog := log.WithDeployment(a.log, in.Hash)
	dlog.Info().Str("step", "SWARM_SERVICE_CREATED").Msg("step finished")

One-off fields go inline:

	m.log.Info().Str("service", svc.Slug).Msg("service created")

# Conventions

  - Info level in production; Debug only for local runs.
  - Errors always attached with .Err(err), never interpolated.
  - Webhook handlers never log payload bodies or secrets; git tokens
    and registry passwords must not appear in any field.
  - Long-running loops (reconciler, health probes) log at Debug to
    keep production volume flat.

The workflow tier has its own logger interface; pkg/workflows adapts
this package to it so workflow and activity logs carry the same shape.
*/
package log
