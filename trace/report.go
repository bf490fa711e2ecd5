package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
	"github.com/pmezard/go-difflib/difflib"
)

// maxChartRuns bounds how many runs are plotted individually before the rest are dropped.
const maxChartRuns = 8

// FormatTrace renders a trace as stable text, one line per recorded step.
// Fields are sorted by name so two runs with identical behavior produce
// identical text, making the output directly diffable.
func FormatTrace(tr *Trace) string {
	var sb strings.Builder
	for _, e := range tr.Entries {
		sb.WriteString(formatTraceEntry(e))
		sb.WriteRune('\n')
	}
	return sb.String()
}

func formatTraceEntry(e TraceEntry) string {
	var sb strings.Builder
	sb.WriteString("line ")
	sb.WriteString(strconv.FormatUint(uint64(e.Line), 10))
	sb.WriteString(":")
	names := bulk.MapKeysSlice(e.Fields)
	slices.Sort(names)
	for _, name := range names {
		sb.WriteRune(' ')
		sb.WriteString(name)
		sb.WriteRune('=')
		sb.WriteString(formatFieldValue(e.Fields[name]))
	}
	return sb.String()
}

// formatFieldValue encodes a captured value as JSON, which keeps nested map
// keys sorted for stable output.
func formatFieldValue(v interface{}) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}

// DiffTraces returns a unified diff of two runs of the same function. An empty
// result means the runs recorded identical behavior.
func DiffTraces(before, after *Trace, beforeLabel, afterLabel string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(FormatTrace(before)),
		B:        difflib.SplitLines(FormatTrace(after)),
		FromFile: beforeLabel,
		ToFile:   afterLabel,
		Context:  2,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("trace diff failed: %w", err)
	}
	return text, nil
}

// TraceReportMetrics summarizes one or more recorded runs of a function.
type TraceReportMetrics struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	FunctionIdent string         `json:"function_ident"`
	RunCount      int            `json:"run_count"`
	StepCount     int            `json:"step_count"` // total across all runs
	LineEmissions []LineEmission `json:"line_emissions"`
	Runs          []RunSummary   `json:"runs"`
}

// LineEmission counts how often a source line emitted a trace entry.
type LineEmission struct {
	Line  uint32 `json:"line"`
	Count int    `json:"count"`
}

// RunSummary describes a single recorded run.
type RunSummary struct {
	RecordedAt    time.Time `json:"recorded_at,omitempty"`
	StepCount     int       `json:"step_count"`
	FieldsPerStep []int     `json:"fields_per_step"` // visible variable count at each step
}

// BuildTraceReport aggregates recorded runs into report metrics.
func BuildTraceReport(funcIdent string, traces []*Trace) TraceReportMetrics {
	report := TraceReportMetrics{
		GeneratedAt:   time.Now().UTC(),
		FunctionIdent: funcIdent,
		RunCount:      len(traces),
		Runs:          make([]RunSummary, len(traces)),
	}
	lineCounts := make(map[uint32]int)
	for i, tr := range traces {
		fieldsPerStep := make([]int, len(tr.Entries))
		for j, e := range tr.Entries {
			lineCounts[e.Line]++
			fieldsPerStep[j] = len(e.Fields)
		}
		report.StepCount += len(tr.Entries)
		report.Runs[i] = RunSummary{
			RecordedAt:    tr.RecordedAt,
			StepCount:     len(tr.Entries),
			FieldsPerStep: fieldsPerStep,
		}
	}
	report.LineEmissions = make([]LineEmission, 0, len(lineCounts))
	for line, count := range lineCounts {
		report.LineEmissions = append(report.LineEmissions, LineEmission{Line: line, Count: count})
	}
	slices.SortFunc(report.LineEmissions, func(a, b LineEmission) int {
		return int(a.Line) - int(b.Line)
	})
	return report
}

// WriteToFile writes the report to a JSON file, or does nothing if path is empty.
func (r TraceReportMetrics) WriteToFile(path string) error {
	if path == "" {
		return nil
	}

	encodedReport, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	if err := os.WriteFile(path, encodedReport, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// WriteTraceReport writes the JSON summary and, if chartPath is not empty,
// renders the run charts to a png, jpg, or svg based on the file extension.
func WriteTraceReport(jsonPath, chartPath, funcIdent string, traces []*Trace) error {
	report := BuildTraceReport(funcIdent, traces)
	if err := report.WriteToFile(jsonPath); err != nil {
		return err
	}
	return writeTraceCharts(chartPath, report)
}

func writeTraceCharts(path string, report TraceReportMetrics) error {
	if path == "" {
		return nil
	}
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       768,
	}
	if buf, err := renderTraceCharts(painterOpt, report); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderTraceCharts renders the report charts to a png.
func RenderTraceCharts(report TraceReportMetrics) ([]byte, error) {
	painterOpt := charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       768,
	}
	return renderTraceCharts(painterOpt, report)
}

func renderTraceCharts(painterOpt charts.PainterOptions, report TraceReportMetrics) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if err := renderTraceChartsToPainter(p, report); err != nil {
		return nil, err
	}
	return p.Bytes()
}

func renderTraceChartsToPainter(p *charts.Painter, report TraceReportMetrics) error {
	const chartPadding = 10
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBoxEqual(chartPadding)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	if report.StepCount == 0 {
		text := "No Steps Recorded"
		textBox := p.MeasureText(text, 0, titleFont)
		p.Text(text, (p.Width()-textBox.Width())/2, p.Height()/2, 0, titleFont)
		return nil
	}

	title := report.FunctionIdent
	titleBox := p.MeasureText(title, 0, titleFont)

	painters, err := p.LayoutByRows().
		RowGap(strconv.Itoa(titleBox.Height())).
		Row().Height("300").Columns("lines").
		Row().Columns("steps"). // line chart takes the remaining space
		Build()
	if err != nil {
		return fmt.Errorf("error building chart layout: %w", err)
	}
	lines := painters["lines"]
	steps := painters["steps"]

	chartTheme := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent)

	// top: how often each source line emitted an entry, across all runs
	maxCount := 0
	lineValues := make([]float64, len(report.LineEmissions))
	lineLabels := make([]string, len(report.LineEmissions))
	for i, le := range report.LineEmissions {
		lineValues[i] = float64(le.Count)
		lineLabels[i] = "line " + strconv.FormatUint(uint64(le.Line), 10)
		maxCount = max(maxCount, le.Count)
	}
	linesOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{lineValues})
	linesOpt.Theme = chartTheme
	linesOpt.Title.Text = "Entries per Source Line"
	linesOpt.XAxis.Unit = axisUnitForMax(maxCount)
	linesOpt.YAxis.Labels = lineLabels
	if err := lines.HorizontalBarChart(linesOpt); err != nil {
		return fmt.Errorf("error rendering chart: %w", err)
	}

	// bottom: visible variable count at each step, one series per run
	chartRuns := report.Runs
	if len(chartRuns) > maxChartRuns {
		chartRuns = chartRuns[:maxChartRuns]
	}
	maxSteps := 0
	for _, run := range chartRuns {
		maxSteps = max(maxSteps, run.StepCount)
	}
	stepValues := make([][]float64, len(chartRuns))
	seriesNames := make([]string, len(chartRuns))
	for i, run := range chartRuns {
		values := make([]float64, maxSteps)
		for j := range values {
			if j < len(run.FieldsPerStep) {
				values[j] = float64(run.FieldsPerStep[j])
			} else {
				values[j] = charts.GetNullValue() // run ended before the longest run
			}
		}
		stepValues[i] = values
		seriesNames[i] = "run " + strconv.Itoa(i+1)
	}
	stepLabels := make([]string, maxSteps)
	for i := range stepLabels {
		stepLabels[i] = strconv.Itoa(i + 1)
	}
	stepsOpt := charts.NewLineChartOptionWithData(stepValues)
	stepsOpt.Theme = chartTheme
	stepsOpt.Title.Text = "Variables per Step"
	stepsOpt.XAxis.Labels = stepLabels
	stepsOpt.Legend.SeriesNames = seriesNames
	if err := steps.LineChart(stepsOpt); err != nil {
		return fmt.Errorf("error rendering chart: %w", err)
	}

	p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	return nil
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	} else {
		return 1
	}
}
