// Command calibration-report renders a PNG of a product's density
// calibration history straight from the inventory database, for checking
// convergence offline without the HTTP debug charts.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/greenline-data/canopy.count/internal/db"
)

var (
	dbFile  = flag.String("db", "inventory.db", "Path to the SQLite database file")
	product = flag.String("product", "", "Product key to report on")
	outFile = flag.String("out", "", "Output PNG path (default calibration_<product>.png)")
	limit   = flag.Int("limit", 0, "Max history points (0 = store default)")
)

func main() {
	flag.Parse()

	if *product == "" {
		log.Fatal("Product key is required (-product)")
	}
	out := *outFile
	if out == "" {
		out = fmt.Sprintf("calibration_%s.png", *product)
	}

	database, err := db.OpenDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	points, err := database.DensityParams().History(context.Background(), *product, *limit)
	if err != nil {
		log.Fatalf("Failed to load calibration history: %v", err)
	}
	if len(points) == 0 {
		log.Fatalf("No calibration history for product %q", *product)
	}

	refPts := make(plotter.XYs, len(points))
	for i, h := range points {
		refPts[i].X = float64(i)
		refPts[i].Y = h.ReferenceArea
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - Reference Area (EMA)", *product)
	p.X.Label.Text = "Observation"
	p.Y.Label.Text = "Reference Area (px²)"

	line, err := plotter.NewLine(refPts)
	if err != nil {
		log.Fatalf("Failed to build line: %v", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 40, G: 150, B: 50, A: 255}
	p.Add(line)
	p.Legend.Add("reference_area", line)

	scatter, err := plotter.NewScatter(refPts)
	if err != nil {
		log.Fatalf("Failed to build scatter: %v", err)
	}
	scatter.Radius = vg.Points(1.5)
	p.Add(scatter)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, out); err != nil {
		log.Fatalf("Failed to save plot: %v", err)
	}

	last := points[len(points)-1]
	fmt.Fprintf(os.Stdout, "wrote %s (%d points, latest ref=%.1f n=%d)\n",
		out, len(points), last.ReferenceArea, last.SampleCount)
}
