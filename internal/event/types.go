package event

// PackDiscoveredData is the data for pack.discovered events, fired whenever
// discovery indexes a new descriptor under a content root.
type PackDiscoveredData struct {
	PackTreeID string `json:"packTreeId"`
	Kind       string `json:"kind"`
	Author     string `json:"author"`
	Version    string `json:"version,omitempty"`
	Layer      string `json:"layer"`
}

// PackInvalidatedData is the data for pack.invalidated events, fired after a
// save-pack copy-in or mod enable/disable forces a rescan (spec §9, the
// refreshFrontendIndex open question).
type PackInvalidatedData struct {
	Reason string `json:"reason"`
}

// ViewAttachedData is the data for view.attached events.
type ViewAttachedData struct {
	ViewID    string `json:"viewId"`
	SessionID string `json:"sessionId"`
	Version   uint64 `json:"version"`
}

// ViewDetachedData is the data for view.detached events.
type ViewDetachedData struct {
	ViewID    string `json:"viewId"`
	SessionID string `json:"sessionId"`
	Version   uint64 `json:"version"`
}

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	AppInstanceID string `json:"appInstanceId"`
	SessionID     string `json:"sessionId"`
	Kind          string `json:"kind"`
}

// SessionDestroyedData is the data for session.destroyed events.
type SessionDestroyedData struct {
	AppInstanceID string `json:"appInstanceId"`
	SessionID     string `json:"sessionId"`
}

// RunStartedData is the data for pipeline.runStarted events.
type RunStartedData struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
	Kind      string `json:"kind"`
}

// RunCompletedData is the data for pipeline.runCompleted events.
type RunCompletedData struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
	Status    string `json:"status"` // "succeeded" | "failed" | "cancelled"
}

// PermissionDeniedData is the data for permission.denied events, used by the
// doom-loop hint (SPEC_FULL §C.4).
type PermissionDeniedData struct {
	Principal string `json:"principal"`
	Family    string `json:"family"`
	DoomLoop  bool   `json:"doomLoop"`
}
