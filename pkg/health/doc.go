// Package health gates deployment promotion on the application
// actually serving.
//
//	workflow loop (owns deadline + interval)
//	  │
//	  ▼  every interval, until healthy or deadline
//	┌─────────────┐   tasks    ┌──────────────────┐
//	│ Prober.Round│──────────▶│ runtime.ListTasks │
//	└──────┬──────┘            └──────────────────┘
//	       │ one task running?
//	       ├── no ──▶ not healthy yet (starting / task failed)
//	       │
//	       ├── PATH    ──▶ GET http://<svc>:<port><path>  (status < 400)
//	       ├── COMMAND ──▶ exec in container              (exit 0)
//	       └── none    ──▶ healthy (running task is enough)
//
// A Round is a single observation. Deadlines, interval sleeps and the
// UNHEALTHY verdict live in the deployment workflow, which is the only
// place where durable timers exist.
package health
