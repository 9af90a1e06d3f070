package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/antidetect"
	"github.com/JakeFAU/listing-crawler/internal/app"
	"github.com/JakeFAU/listing-crawler/internal/config"
)

func TestPolicyFactory_SeededIsReproducible(t *testing.T) {
	t.Parallel()

	newPolicy := PolicyFactory(config.AntiDetectConfig{
		Delays: map[string]config.DelayRange{
			"inter_page": {Min: 2 * time.Second, Max: 4 * time.Second},
		},
		ScrollProbability: 0.5,
		Seed:              42,
	})
	a, b := newPolicy(), newPolicy()
	for range 10 {
		da := a.Delay(antidetect.DelayInterPage)
		require.Equal(t, da, b.Delay(antidetect.DelayInterPage))
		require.GreaterOrEqual(t, da, 2*time.Second)
		require.LessOrEqual(t, da, 4*time.Second)
	}
}

func TestPolicyFactory_OverridesDefaults(t *testing.T) {
	t.Parallel()

	newPolicy := PolicyFactory(config.AntiDetectConfig{
		Delays: map[string]config.DelayRange{
			"settle": {Min: time.Second, Max: time.Second},
		},
		UserAgents: []string{"agent/1.0"},
	})
	p := newPolicy()
	require.Equal(t, time.Second, p.Delay(antidetect.DelaySettle))
	// Untouched rows keep the built-in table.
	d := p.Delay(antidetect.DelayInitial)
	require.GreaterOrEqual(t, d, 10*time.Second)
	require.LessOrEqual(t, d, 30*time.Second)
	require.Equal(t, "agent/1.0", p.UserAgent())
	// Zero probabilities from config disable rotation outright.
	for range 20 {
		require.False(t, p.ShouldRotateIdentity())
	}
}

func TestSetupStorage(t *testing.T) {
	t.Parallel()

	blobs, err := setupStorage(context.Background(), config.OutputConfig{Upload: config.UploadNone}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, blobs)

	blobs, err = setupStorage(context.Background(), config.OutputConfig{
		Upload:   config.UploadLocal,
		LocalDir: t.TempDir(),
	}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, blobs)

	blobs, err = setupStorage(context.Background(), config.OutputConfig{Upload: config.UploadMemory}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, blobs)
}

func TestSetupPublisher_NoTopic(t *testing.T) {
	t.Parallel()

	pub, err := setupPublisher(context.Background(), config.EventsConfig{PubSubProject: "proj"}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, pub)
}

func TestSetupProgress_RegistersOnce(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	hub, err := setupProgress(config.EventsConfig{BufferSize: 8, LogEvents: true}, reg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	_, err = setupProgress(config.EventsConfig{BufferSize: 8}, reg, zap.NewNop())
	require.ErrorContains(t, err, "register event metrics")
}

func testApp(t *testing.T) *app.App {
	t.Helper()
	dir := t.TempDir()
	a, err := app.New(context.Background(), config.Config{
		Store: config.StoreConfig{
			Driver: config.StoreSQLite,
			DSN:    filepath.Join(dir, "listing.db"),
		},
		Scheduler: config.SchedulerConfig{
			Concurrency:     1,
			PollInterval:    time.Hour,
			ShutdownTimeout: time.Second,
			Timezone:        "UTC",
		},
		Limits: config.LimitsConfig{
			Enabled:              true,
			MaxDailyUsage:        2,
			MinInterval:          time.Hour,
			MaxCategoriesPerTask: 2,
			DefaultPages:         15,
			MaxPages:             30,
		},
		Cookies: config.CookiesConfig{
			Dir:            filepath.Join(dir, "cookies"),
			RequiredFields: []string{"_lxsdk_cuid", "dper", "ll"},
			MinPairs:       5,
		},
		Output:    config.OutputConfig{Dir: filepath.Join(dir, "outputs"), Upload: config.UploadNone},
		Events:    config.EventsConfig{BufferSize: 16, MaxBatchWait: 10 * time.Millisecond},
		Retention: config.RetentionConfig{Enabled: true, Days: 30, Schedule: "@daily"},
		Probe:     config.ProbeConfig{Mode: config.ProbeHTTP, Timeout: time.Second},
		Auth:      config.AuthConfig{Enabled: true, APIKey: "secret"},
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestBuildWithRegisterer_ServesAPI(t *testing.T) {
	t.Parallel()

	svc, err := BuildWithRegisterer(context.Background(), testApp(t), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, svc.Scheduler())
	require.NotNil(t, svc.cleaner)
	t.Cleanup(func() { require.NoError(t, svc.Close(context.Background())) })

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks",
		strings.NewReader(`{"city":"atlantis","categories":["g110"],"cookie_string":"_lxsdk_cuid=a; dper=b; ll=c; x=1; y=2"}`))
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	require.Empty(t, apiKey(config.AuthConfig{APIKey: "secret"}))
	require.Equal(t, "secret", apiKey(config.AuthConfig{Enabled: true, APIKey: "secret"}))
}
