// Package app assembles a render server from a loaded configuration. It owns
// the process-level wiring (logger, sandbox, component registry, plugins,
// orchestrator) and decides whether this process is a standalone worker, a
// coordinator or a worker forked by one.
package app
