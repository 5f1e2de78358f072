package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/frame.annotator/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleCoverageChart renders a bar chart of labelled frames per
// attribute for the open annotation.
func (ws *WebServer) handleCoverageChart(w http.ResponseWriter, r *http.Request) {
	st := ws.app.Status()
	if st.Annotation == nil || len(st.Session.Coverage) == 0 {
		httputil.NotFound(w, "no annotation open")
		return
	}

	x := make([]string, 0, len(st.Session.Coverage))
	y := make([]opts.BarData, 0, len(st.Session.Coverage))
	for _, c := range st.Session.Coverage {
		x = append(x, c.Group+"/"+c.Attribute)
		y = append(y, opts.BarData{Value: c.Frames})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Label coverage", Width: "100%", Height: "640px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Label coverage: " + st.Annotation.Name,
			Subtitle: fmt.Sprintf("frames=%d samples=%d progress=%d%% mode=%s", st.Session.Frames, st.Session.Samples, st.Session.Progress, st.Session.Mode),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "frames", Max: st.Session.Frames}),
	)
	bar.SetXAxis(x).
		AddSeries("labelled frames", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
