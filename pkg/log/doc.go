/*
Package log provides structured logging for seedhost using zerolog.

The package wraps a single global zerolog.Logger and hands out child loggers
tagged with the component, node or user they describe. Every long-lived
component (multiplexer, monitor, orchestrator, reconciler, API server) takes
its logger from WithComponent at construction time.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("orchestrator")
	userLogger := log.ForUser(logger, user.ID)
	userLogger.Info().Msg("provisioning node")

Output goes to stderr unless Config.Output is set. Console output is used
unless JSONOutput is set; JSON is meant for anything shipped to a log
pipeline.

# Fields

	component  emitting subsystem ("stream", "monitor", "orchestrator", ...)
	node_id    identity a node reported when it was provisioned
	user_id    identifier of the owning user

Levels follow zerolog: debug is used for per-event tracing (spawn, attach,
detach), info for lifecycle transitions, warn for recoverable external
failures and error for failures surfaced to callers.
*/
package log
