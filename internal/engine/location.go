package engine

import (
	"context"
	"time"

	"github.com/arborist-labs/mnemo/internal/extract"
	"github.com/arborist-labs/mnemo/internal/logging"
	"github.com/arborist-labs/mnemo/internal/storage"
)

// recordLocationAccess folds one store/retrieve call into the Location
// entity's per-access history (spec §3 Location, §4.7 step 7 consolidates
// the history this produces). A no-op when either projectID or path is
// unset, since Location is keyed on the pair.
func (e *Engine) recordLocationAccess(ctx context.Context, projectID, path string, activity storage.ActivityKind, direct bool, taskContext string, now time.Time) {
	if projectID == "" || path == "" {
		return
	}

	source := storage.InferenceDefault
	if activity == "" {
		activity = storage.ActivityUnknown
	} else {
		source = storage.InferenceExplicit
	}

	var sessionID string
	if s, err := e.sessions.GetOrCreateSession(ctx, projectID); err == nil && s != nil {
		sessionID = s.ID
	}

	ac := storage.AccessContext{
		Activity:        activity,
		Source:          source,
		WasDirectAccess: direct,
		TaskContext:     extract.Gist(taskContext, 80),
		SessionID:       sessionID,
		At:              now,
	}
	if err := e.store.RecordLocationAccess(ctx, projectID, path, ac); err != nil {
		logging.Debug("engine", "location access recording for %s failed: %v", path, err)
	}
}
