// Package events defines the coordinator's event vocabulary and the
// subjects those events travel on.
package events

// Lifecycle event types. These are appended to the session journal by the
// coordinator itself when a run changes state.
const (
	RunStart     = "run_start"
	RunCompleted = "run_completed"
	RunFailed    = "run_failed"
	RunStopped   = "run_stopped"
)

// Execution event types reported by runners during a run.
const (
	Message  = "message"
	Result   = "result"
	PreTool  = "pre_tool"
	PostTool = "post_tool"
)

// Hook event types, appended around hook invocations.
const (
	HookStart    = "hook_start"
	HookComplete = "hook_complete"
	HookFailed   = "hook_failed"
	HookBlocked  = "hook_blocked"
)

// StreamGap is a synthetic marker injected into a live stream when a slow
// consumer's buffer overflowed and events were dropped. It never enters the
// persistent journal.
const StreamGap = "stream_gap"

// Bus subjects for internal coordination. Session journal events fan out on
// per-session subjects; the remaining subjects are wakeup signals.
const (
	SessionEvents  = "session.events"
	RunsPending    = "runs.pending"
	CallbackQueued = "callback.queued"
	RunnerStatus   = "runner.status"
)

// BuildSessionEventsSubject creates the journal subject for one session.
func BuildSessionEventsSubject(sessionID string) string {
	return SessionEvents + "." + sessionID
}

// BuildSessionEventsWildcardSubject subscribes to every session's journal.
func BuildSessionEventsWildcardSubject() string {
	return SessionEvents + ".*"
}

// BuildRunnerStatusSubject creates the status subject for one runner.
func BuildRunnerStatusSubject(runnerID string) string {
	return RunnerStatus + "." + runnerID
}

// BuildRunnerStatusWildcardSubject subscribes to every runner's status changes.
func BuildRunnerStatusWildcardSubject() string {
	return RunnerStatus + ".*"
}
