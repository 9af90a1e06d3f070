package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := navigationsTotal
	Init()
	require.Same(t, first, navigationsTotal)
}

func TestObserveHelpers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(navigationsTotal.WithLabelValues("rejected"))
	ObserveNavigation("rejected")
	require.InDelta(t, before+1, testutil.ToFloat64(navigationsTotal.WithLabelValues("rejected")), 1e-9)

	before = testutil.ToFloat64(admissionsTotal.WithLabelValues("restricted"))
	ObserveAdmission("restricted")
	require.InDelta(t, before+1, testutil.ToFloat64(admissionsTotal.WithLabelValues("restricted")), 1e-9)

	before = testutil.ToFloat64(pageProbesTotal.WithLabelValues("http", "error"))
	ObserveProbe("http", errors.New("boom"))
	require.InDelta(t, before+1, testutil.ToFloat64(pageProbesTotal.WithLabelValues("http", "error")), 1e-9)

	before = testutil.ToFloat64(retentionRowsDeleted)
	ObserveRetention(0)
	ObserveRetention(7)
	require.InDelta(t, before+7, testutil.ToFloat64(retentionRowsDeleted), 1e-9)

	gauge := testutil.ToFloat64(browserSessionsActive)
	IncBrowserSessions()
	require.InDelta(t, gauge+1, testutil.ToFloat64(browserSessionsActive), 1e-9)
	DecBrowserSessions()
	require.InDelta(t, gauge, testutil.ToFloat64(browserSessionsActive), 1e-9)

	ObserveChallengeWait(true, 40*time.Second)
	require.Positive(t, testutil.CollectAndCount(challengeWaitSeconds))
}
