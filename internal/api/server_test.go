package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/db"
	"github.com/greenline-data/canopy.count/internal/estimate"
	"github.com/greenline-data/canopy.count/internal/imagery"
	"github.com/greenline-data/canopy.count/internal/inference"
	"github.com/greenline-data/canopy.count/internal/pipeline"
	"github.com/greenline-data/canopy.count/internal/testutil"
	"github.com/greenline-data/canopy.count/internal/timeutil"
)

type serverFixture struct {
	db     *db.DB
	photos *imagery.FileStore
	coord  *pipeline.Coordinator
	mux    *http.ServeMux
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	database, err := db.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	photos, err := imagery.NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.EmptyPipelineConfig()
	pool := inference.NewPool(inference.FixtureLoader())
	coord := pipeline.NewCoordinator(database, photos, pool, cfg, timeutil.RealClock{})
	runner := pipeline.NewRunner(coord, 1)
	srv := NewServer(database, photos, runner, cfg)

	ctx := context.Background()
	require.NoError(t, database.UpsertLocation(ctx, db.Location{ID: "bench-1", Name: "Bench 1", Site: "greenhouse-a"}))
	require.NoError(t, database.UpsertProductConfig(ctx, db.ProductConfig{
		ProductKey: "basil-12cm", Name: "Basil 12cm", Container: "pot-12", DefaultOverlapFactor: 1,
	}))

	return &serverFixture{db: database, photos: photos, coord: coord, mux: srv.ServeMux()}
}

func photoBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testutil.SolidImage(200, 150, testutil.Soil)))
	return buf.Bytes()
}

func (f *serverFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestSubmitPhotoCreatesSession(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest("POST",
		"/api/photos?location_id=bench-1&product_key=basil-12cm",
		bytes.NewReader(photoBytes(t)))
	req.Header.Set("Content-Type", "image/png")
	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	sess := decodeJSON[db.Session](t, rec)
	require.Equal(t, db.StatePending, sess.State)
	require.Equal(t, "bench-1", sess.LocationID)
	require.Equal(t, "basil-12cm", sess.ProductKey)
	require.Len(t, sess.ImageID, 64)

	// The photo landed in the content-addressed store.
	_, err := f.photos.Get(context.Background(), sess.ImageID)
	require.NoError(t, err)
}

func TestSubmitPhotoWithoutContext(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest("POST", "/api/photos", bytes.NewReader(photoBytes(t)))
	req.Header.Set("Content-Type", "image/png")
	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Sessions without location or product still open; the pipeline parks
	// them for the operator later.
	sess := decodeJSON[db.Session](t, rec)
	require.Equal(t, db.StatePending, sess.State)
	require.Empty(t, sess.LocationID)
}

func TestSubmitPhotoMultipart(t *testing.T) {
	f := newServerFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("photo", "bench.png")
	require.NoError(t, err)
	_, err = part.Write(photoBytes(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/photos", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	sess := decodeJSON[db.Session](t, rec)
	require.Len(t, sess.ImageID, 64)
}

func TestListSessions(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	_, err := f.db.CreateSession(ctx, strings.Repeat("ab", 32), "bench-1", "basil-12cm")
	require.NoError(t, err)

	rec := f.do(httptest.NewRequest("GET", "/api/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[struct {
		Sessions []db.Session            `json:"sessions"`
		Counts   map[db.SessionState]int `json:"counts"`
	}](t, rec)
	require.Len(t, resp.Sessions, 1)
	require.Equal(t, 1, resp.Counts[db.StatePending])
}

func TestListSessionsRejectsBadLimit(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(httptest.NewRequest("GET", "/api/sessions?limit=zero", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShowSessionNotFound(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(httptest.NewRequest("GET", "/api/sessions/no-such-id", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveParkedSession(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	// Upload a photo with no context and run it once so it parks.
	imageID, err := f.photos.Put(ctx, bytes.NewReader(photoBytes(t)))
	require.NoError(t, err)
	sess, err := f.db.CreateSession(ctx, imageID, "", "")
	require.NoError(t, err)
	require.NoError(t, f.coord.ProcessSession(ctx, sess.ID, 0))

	got, err := f.db.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, db.StateNeedsLocation, got.State)

	body, _ := json.Marshal(map[string]string{
		"location_id": "bench-1",
		"product_key": "basil-12cm",
	})
	rec := f.do(httptest.NewRequest("POST", "/api/sessions/"+sess.ID+"/resolve", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	resolved := decodeJSON[db.Session](t, rec)
	require.Equal(t, db.StatePending, resolved.State)
	require.Equal(t, "bench-1", resolved.LocationID)
}

func TestResolveRejectsNonParkedSession(t *testing.T) {
	f := newServerFixture(t)
	sess, err := f.db.CreateSession(context.Background(), strings.Repeat("cd", 32), "bench-1", "basil-12cm")
	require.NoError(t, err)

	rec := f.do(httptest.NewRequest("POST", "/api/sessions/"+sess.ID+"/resolve",
		strings.NewReader(`{}`)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDensityParamPutAndList(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(httptest.NewRequest("PUT", "/api/density_params/basil-12cm",
		strings.NewReader(`{"reference_area": 850, "overlap_factor": 1.1}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest("GET", "/api/density_params", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	params := decodeJSON[[]estimate.DensityParameter](t, rec)
	require.Len(t, params, 1)
	require.Equal(t, "basil-12cm", params[0].ProductKey)
	require.Equal(t, 850.0, params[0].ReferenceArea)
	require.Equal(t, 1.1, params[0].OverlapFactor)
}

func TestDensityParamRejectsNonpositiveArea(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(httptest.NewRequest("PUT", "/api/density_params/basil-12cm",
		strings.NewReader(`{"reference_area": 0}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDensityParamDefaultsOverlap(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(httptest.NewRequest("PUT", "/api/density_params/mint-10cm",
		strings.NewReader(`{"reference_area": 400}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := f.db.DensityParams().Get(context.Background(), "mint-10cm")
	require.NoError(t, err)
	require.Equal(t, 1.0, p.OverlapFactor)
}

func TestPipelineControl(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(httptest.NewRequest("POST", "/api/pipeline/control",
		strings.NewReader(`{"action": "disable"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeJSON[pipeline.Status](t, rec)
	require.False(t, status.Enabled)

	rec = f.do(httptest.NewRequest("POST", "/api/pipeline/control",
		strings.NewReader(`{"action": "enable"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	status = decodeJSON[pipeline.Status](t, rec)
	require.True(t, status.Enabled)

	rec = f.do(httptest.NewRequest("POST", "/api/pipeline/control",
		strings.NewReader(`{"action": "explode"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelineStatus(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(httptest.NewRequest("GET", "/api/pipeline/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeJSON[pipeline.Status](t, rec)
	require.True(t, status.Enabled)
	require.Zero(t, status.RunCount)
}

func TestConfigEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(httptest.NewRequest("GET", "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	snap := decodeJSON[map[string]any](t, rec)
	require.Equal(t, 0.40, snap["seg_conf"])
	require.Equal(t, float64(640), snap["tile_size"])
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[map[string]string](t, rec)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, body["version"])
}

func TestSessionsChartRendersHTML(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(httptest.NewRequest("GET", "/debug/charts/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "Sessions by State")
}

func TestCalibrationChart(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	// No product param.
	rec := f.do(httptest.NewRequest("GET", "/debug/charts/calibration", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// No history yet.
	rec = f.do(httptest.NewRequest("GET", "/debug/charts/calibration?product=basil-12cm", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.db.DensityParams().Put(ctx, estimate.DensityParameter{
		ProductKey: "basil-12cm", ReferenceArea: 900, OverlapFactor: 1, SampleCount: 1, UpdatedAt: time.Now().UTC(),
	}))
	rec = f.do(httptest.NewRequest("GET", "/debug/charts/calibration?product=basil-12cm", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	f := newServerFixture(t)
	handler := LoggingMiddleware(f.mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusCodeColor(t *testing.T) {
	require.Contains(t, statusCodeColor(200), "200")
	require.Contains(t, statusCodeColor(301), "301")
	require.Contains(t, statusCodeColor(404), "404")
	require.Equal(t, "102", statusCodeColor(102))
}
