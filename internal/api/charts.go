package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/greenline-data/canopy.count/internal/db"
)

// calibrationChart renders an HTML line chart of a product's density
// parameter history using go-echarts. This is a debugging-only endpoint
// (no auth) to eyeball calibration convergence without a frontend.
// Query params:
//   - product (required)
//   - limit (optional; default 500)
func (s *Server) calibrationChart(w http.ResponseWriter, r *http.Request) {
	productKey := r.URL.Query().Get("product")
	if productKey == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'product' parameter")
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	points, err := s.db.DensityParams().History(r.Context(), productKey, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load history: %v", err))
		return
	}
	if len(points) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no calibration history for product")
		return
	}

	labels := make([]string, 0, len(points))
	refAreas := make([]opts.LineData, 0, len(points))
	samples := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		labels = append(labels, p.RecordedAt.Format("01-02 15:04"))
		refAreas = append(refAreas, opts.LineData{Value: p.ReferenceArea})
		samples = append(samples, opts.LineData{Value: p.SampleCount})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Calibration History", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Density Calibration", Subtitle: fmt.Sprintf("product=%s points=%d", productKey, len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "reference area (px²)"}),
	)
	line.SetXAxis(labels)
	line.AddSeries("reference_area", refAreas, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	line.AddSeries("sample_count", samples)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// sessionsChart renders an HTML bar chart of session counts per state, a
// quick backlog view for debugging.
func (s *Server) sessionsChart(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.CountSessionsByState(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count sessions: %v", err))
		return
	}

	states := []db.SessionState{
		db.StatePending, db.StateNeedsLocation, db.StateNeedsConfig,
		db.StateNeedsCalibration, db.StateProcessing, db.StateCompleted, db.StateFailed,
	}
	labels := make([]string, 0, len(states))
	data := make([]opts.BarData, 0, len(states))
	total := 0
	for _, st := range states {
		n := counts[st]
		total += n
		labels = append(labels, string(st))
		data = append(data, opts.BarData{Value: n})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session Backlog", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Sessions by State", Subtitle: fmt.Sprintf("total=%d", total)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("sessions", data)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
