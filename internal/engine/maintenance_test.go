package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartMaintenanceRunsAndStopsCleanly(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(time.Now())

	_, err := e.Store(ctx, "something for the micro cycle to touch", StoreOptions{})
	require.NoError(t, err)

	stop := e.StartMaintenance(ctx, 10*time.Millisecond, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stop()
	stop() // must be safe to call twice
}
