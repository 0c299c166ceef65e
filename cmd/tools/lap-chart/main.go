// Command lap-chart renders an HTML lap-time chart for a session from the
// lap database.
//
// Usage:
//
//	go run ./cmd/tools/lap-chart -db laps.db -session <id> -out laps.html
//
// With no -session the most recent session is charted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/apexdata/lapreport/internal/db"
)

func main() {
	dbPath := flag.String("db", "laps.db", "Path to lap database")
	sessionID := flag.String("session", "", "Session id (default: most recent)")
	out := flag.String("out", "laps.html", "Output HTML file")
	flag.Parse()

	database, err := db.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open lap database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	session := *sessionID
	if session == "" {
		sessions, err := database.Sessions(ctx, 1)
		if err != nil || len(sessions) == 0 {
			log.Fatalf("No sessions found in %s", *dbPath)
		}
		session = sessions[0]
	}

	laps, err := database.SessionLaps(ctx, session)
	if err != nil {
		log.Fatalf("Failed to load laps: %v", err)
	}
	if len(laps) == 0 {
		log.Fatalf("Session %s has no laps", session)
	}

	xAxis := make([]string, 0, len(laps))
	times := make([]opts.LineData, 0, len(laps))
	for _, l := range laps {
		xAxis = append(xAxis, fmt.Sprintf("L%d", l.LapNumber))
		symbol := "circle"
		if l.IsPersonalBest {
			symbol = "diamond"
		}
		times = append(times, opts.LineData{
			Value:      l.LapTime,
			Symbol:     symbol,
			SymbolSize: 8,
			Name:       l.LapType,
		})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lap Times", Width: "1100px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Lap Times", Subtitle: fmt.Sprintf("session=%s laps=%d", session, len(laps))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds", Scale: opts.Bool(true)}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("lap time", times, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()
	if err := line.Render(f); err != nil {
		log.Fatalf("Failed to render chart: %v", err)
	}

	log.Printf("Wrote %s (%d laps)", *out, len(laps))
}
