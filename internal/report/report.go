// Package report 把一次运行的资金曲线与成交渲染成图表：
// HTML 供浏览器查看，PNG（chromedp 无头截图）供 Telegram 推送。
package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"sable/internal/market"
	"sable/internal/metrics"
	"sable/internal/sim"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEquity        = "#3b82f6"
	colorBalance       = "#fbbf24"
	colorDrawdown      = "#f472b6"

	chartWidthPx     = 1600
	klineHeightPx    = 600
	equityHeightPx   = 360
	drawdownHeightPx = 240
)

// Input 汇集一次渲染需要的全部数据。Candles 可为空（只画资金曲线）。
type Input struct {
	Title   string
	Symbol  string
	Curve   []sim.EquityPoint
	Trades  []sim.ClosedTrade
	Candles []market.Candle
	Report  metrics.Report
}

// ImageResult 是渲染出的 PNG。
type ImageResult struct {
	Bytes    []byte `json:"-"`
	Base64   string `json:"base64"`
	Filename string `json:"filename"`
}

// DataURI 返回可内嵌的 data URI。
func (r *ImageResult) DataURI() string {
	if r == nil {
		return ""
	}
	if r.Base64 == "" && len(r.Bytes) > 0 {
		r.Base64 = base64.StdEncoding.EncodeToString(r.Bytes)
	}
	if r.Base64 == "" {
		return ""
	}
	return "data:image/png;base64," + r.Base64
}

// RenderHTML 生成完整报告页面。
func RenderHTML(input Input) ([]byte, error) {
	if len(input.Curve) == 0 {
		return nil, fmt.Errorf("资金曲线为空，无可渲染内容")
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	page.AddCharts(buildEquityChart(input))
	page.AddCharts(buildDrawdownChart(input))
	if len(input.Candles) > 0 {
		page.AddCharts(buildKlineChart(input))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteHTMLFile 渲染并落盘。
func WriteHTMLFile(input Input, path string) error {
	html, err := RenderHTML(input)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, html, 0o644)
}

// RenderPNG 渲染页面并用无头浏览器截图。
func RenderPNG(ctx context.Context, input Input) (ImageResult, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return ImageResult{}, err
	}
	html, err := RenderHTML(input)
	if err != nil {
		return ImageResult{}, err
	}
	height := equityHeightPx + drawdownHeightPx
	if len(input.Candles) > 0 {
		height += klineHeightPx
	}
	png, err := renderHTMLToPNG(ctx, html, chartWidthPx, height)
	if err != nil {
		return ImageResult{}, err
	}
	return ImageResult{
		Bytes:    png,
		Base64:   base64.StdEncoding.EncodeToString(png),
		Filename: fmt.Sprintf("%s_report.png", strings.ToLower(input.Symbol)),
	}, nil
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 探测无头浏览器是否可用（只探测一次）。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func chartInit(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func buildEquityChart(input Input) *charts.Line {
	line := charts.NewLine()
	subtitle := fmt.Sprintf("trades=%d win=%.1f%% pf=%.2f expectancy=%.2f maxDD=%.2f%%",
		input.Report.TotalTrades, input.Report.WinRate*100, input.Report.ProfitFactor,
		input.Report.Expectancy, input.Report.MaxDrawdown*100)
	line.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(equityHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title:         strings.TrimSpace(input.Title + " Equity"),
			Subtitle:      subtitle,
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	xAxis := curveXAxis(input.Curve)
	equity := make([]opts.LineData, len(input.Curve))
	balance := make([]opts.LineData, len(input.Curve))
	for i, p := range input.Curve {
		equity[i] = opts.LineData{Value: round(p.Equity, 2)}
		balance[i] = opts.LineData{Value: round(p.Balance, 2)}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}))
	line.AddSeries("Balance", balance, charts.WithLineStyleOpts(opts.LineStyle{Color: colorBalance, Width: 1}))
	return line
}

func buildDrawdownChart(input Input) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(drawdownHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	data := make([]opts.LineData, len(input.Curve))
	for i, p := range input.Curve {
		data[i] = opts.LineData{Value: round(p.Drawdown*100, 3)}
	}
	line.SetXAxis(curveXAxis(input.Curve))
	line.AddSeries("Drawdown", data, charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}))
	return line
}

func buildKlineChart(input Input) *charts.Kline {
	candles := input.Candles
	minPrice, maxPrice := priceBounds(candles)
	padding := (maxPrice - minPrice) * 0.05
	if padding <= 0 {
		padding = math.Max(1, math.Abs(maxPrice)*0.01)
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(klineHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title:      fmt.Sprintf("%s 成交分布", strings.ToUpper(input.Symbol)),
			Left:       "left",
			TitleStyle: &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			Min:       round(minPrice-padding, 4),
			Max:       round(maxPrice+padding, 4),
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	kline.SetSeriesOptions(
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        colorBull,
			Color0:       colorBear,
			BorderColor:  colorBull,
			BorderColor0: colorBear,
		}),
	)

	xAxis := make([]string, len(candles))
	data := make([]opts.KlineData, len(candles))
	for i, c := range candles {
		xAxis[i] = time.UnixMilli(c.CloseTime).UTC().Format("01-02 15:04")
		data[i] = opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}}
	}
	kline.SetXAxis(xAxis)
	kline.AddSeries("Price", data)

	kline.Overlap(buildTradeMarkers(candles, input.Trades, xAxis))
	return kline
}

// buildTradeMarkers 把成交出入场画成散点叠在 K 线上。
func buildTradeMarkers(candles []market.Candle, trades []sim.ClosedTrade, xAxis []string) *charts.Scatter {
	scatter := charts.NewScatter()
	var entries, exits []opts.ScatterData
	for _, t := range trades {
		if i := candleIndexAt(candles, t.EntryTime); i >= 0 {
			entries = append(entries, opts.ScatterData{Value: []interface{}{xAxis[i], round(t.EntryPrice, 4)}, Symbol: "triangle", SymbolSize: 12})
		}
		if i := candleIndexAt(candles, t.ExitTime); i >= 0 {
			exits = append(exits, opts.ScatterData{Value: []interface{}{xAxis[i], round(t.ExitPrice, 4)}, Symbol: "diamond", SymbolSize: 12})
		}
	}
	scatter.AddSeries("Entry", entries, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBull}))
	scatter.AddSeries("Exit", exits, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBear}))
	return scatter
}

func candleIndexAt(candles []market.Candle, ts int64) int {
	for i, c := range candles {
		if ts <= c.CloseTime {
			return i
		}
	}
	return -1
}

func curveXAxis(curve []sim.EquityPoint) []string {
	x := make([]string, len(curve))
	for i, p := range curve {
		x[i] = time.UnixMilli(p.TS).UTC().Format("01-02 15:04")
	}
	return x
}

func priceBounds(candles []market.Candle) (minVal, maxVal float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	minVal = candles[0].Low
	maxVal = candles[0].High
	for _, c := range candles {
		if c.Low < minVal {
			minVal = c.Low
		}
		if c.High > maxVal {
			maxVal = c.High
		}
	}
	return minVal, maxVal
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
