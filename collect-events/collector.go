package main

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	boardEventName   = "board.request"
	boardEventDomain = "ecb-maintenance"

	attrHTTPStatusCode = "http.status_code"
	attrRoute          = "http.route"
	attrTotalMillis    = "board.request.total_ms"
	attrAuthMillis     = "board.request.auth_ms"
	attrDispatchMillis = "board.request.dispatch_ms"
	attrActions        = "board.request.actions"
	attrApplied        = "board.request.applied"
	attrRejected       = "board.request.rejected"
	attrDuplicates     = "board.request.duplicates"
	attrErrorStage     = "board.request.error_stage"
)

var numberAPI = sonic.Config{UseNumber: true}.Froze()

type logRecord struct {
	EventName      string         `json:"event.name"`
	EventDomain    string         `json:"event.domain"`
	SeverityText   string         `json:"severity_text"`
	SeverityNumber int            `json:"severity_number"`
	Attributes     map[string]any `json:"attributes"`
}

type collector struct {
	eventName   string
	eventDomain string
	stats       metricsSummary
	skipped     int
}

type metricsSummary struct {
	Count          int
	SeverityCounts map[string]int
	StatusCounts   map[int]int
	RouteCounts    map[string]int
	Durations      map[string]*numericStats
	Actions        actionCounts
	ErrorStages    map[string]int
	ErrorEvents    int
	WarnEvents     int
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

type durationSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
}

type actionCounts struct {
	Total      int `json:"total"`
	Applied    int `json:"applied"`
	Rejected   int `json:"rejected"`
	Duplicates int `json:"duplicates"`
}

type summaryOutput struct {
	EventName      string                     `json:"event_name"`
	EventDomain    string                     `json:"event_domain"`
	TotalEvents    int                        `json:"total_events"`
	SeverityCounts map[string]int             `json:"severity_counts"`
	StatusCounts   map[string]int             `json:"status_counts"`
	RouteCounts    map[string]int             `json:"route_counts"`
	DurationMs     map[string]durationSummary `json:"duration_ms"`
	Actions        actionCounts               `json:"actions"`
	ErrorStages    map[string]int             `json:"error_stages,omitempty"`
	ErrorEvents    int                        `json:"error_events"`
	WarnEvents     int                        `json:"warn_events"`
	SkippedLines   int                        `json:"skipped_lines"`
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		stats: metricsSummary{
			SeverityCounts: make(map[string]int),
			StatusCounts:   make(map[int]int),
			RouteCounts:    make(map[string]int),
			Durations:      make(map[string]*numericStats),
			ErrorStages:    make(map[string]int),
		},
	}
}

// ingest consumes one log line. Lines prefixed by a container runtime ("app | {...}") are
// accepted.
func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}

	var rec logRecord
	if err := numberAPI.UnmarshalFromString(trimmed, &rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventName != c.eventName {
		return
	}
	if c.eventDomain != "" && rec.EventDomain != c.eventDomain {
		return
	}
	c.addRecord(rec)
}

func (c *collector) addRecord(rec logRecord) {
	c.stats.Count++

	severity := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	c.stats.SeverityCounts[severity]++
	switch severity {
	case "ERROR":
		c.stats.ErrorEvents++
	case "WARN", "WARNING":
		c.stats.WarnEvents++
	}

	attrs := rec.Attributes
	if attrs == nil {
		return
	}
	if status, ok := asInt(attrs[attrHTTPStatusCode]); ok {
		c.stats.StatusCounts[status]++
	}
	if route, ok := attrs[attrRoute].(string); ok && route != "" {
		c.stats.RouteCounts[route]++
	}
	for key, attr := range map[string]string{"total": attrTotalMillis, "auth": attrAuthMillis, "dispatch": attrDispatchMillis} {
		if v, ok := asFloat(attrs[attr]); ok {
			c.stats.addDuration(key, v)
		}
	}
	if n, ok := asInt(attrs[attrActions]); ok {
		c.stats.Actions.Total += n
	}
	if n, ok := asInt(attrs[attrApplied]); ok {
		c.stats.Actions.Applied += n
	}
	if n, ok := asInt(attrs[attrRejected]); ok {
		c.stats.Actions.Rejected += n
	}
	if n, ok := asInt(attrs[attrDuplicates]); ok {
		c.stats.Actions.Duplicates += n
	}
	if stage, ok := attrs[attrErrorStage].(string); ok && stage != "" {
		c.stats.ErrorStages[stage]++
	}
}

func (s *metricsSummary) addDuration(key string, value float64) {
	stat, ok := s.Durations[key]
	if !ok {
		stat = &numericStats{Min: math.MaxFloat64}
		s.Durations[key] = stat
	}
	stat.Count++
	stat.Sum += value
	stat.Min = math.Min(stat.Min, value)
	stat.Max = math.Max(stat.Max, value)
}

func (n *numericStats) toDurationSummary() durationSummary {
	if n == nil || n.Count == 0 {
		return durationSummary{}
	}
	return durationSummary{Count: n.Count, Min: n.Min, Max: n.Max, Avg: n.Sum / float64(n.Count)}
}

func (c *collector) summary() summaryOutput {
	durations := make(map[string]durationSummary, len(c.stats.Durations))
	for key, stat := range c.stats.Durations {
		durations[key] = stat.toDurationSummary()
	}
	statusCounts := make(map[string]int, len(c.stats.StatusCounts))
	for status, count := range c.stats.StatusCounts {
		statusCounts[strconv.Itoa(status)] = count
	}
	var stages map[string]int
	if len(c.stats.ErrorStages) > 0 {
		stages = c.stats.ErrorStages
	}

	return summaryOutput{
		EventName:      c.eventName,
		EventDomain:    c.eventDomain,
		TotalEvents:    c.stats.Count,
		SeverityCounts: c.stats.SeverityCounts,
		StatusCounts:   statusCounts,
		RouteCounts:    c.stats.RouteCounts,
		DurationMs:     durations,
		Actions:        c.stats.Actions,
		ErrorStages:    stages,
		ErrorEvents:    c.stats.ErrorEvents,
		WarnEvents:     c.stats.WarnEvents,
		SkippedLines:   c.skipped,
	}
}

func (s summaryOutput) ShortString() string {
	total := s.DurationMs["total"]
	routes := make([]string, 0, len(s.RouteCounts))
	for route, n := range s.RouteCounts {
		routes = append(routes, route+"="+strconv.Itoa(n))
	}
	sort.Strings(routes)

	parts := []string{
		"event=" + s.EventName,
		"total=" + strconv.Itoa(s.TotalEvents),
		"warn=" + strconv.Itoa(s.WarnEvents),
		"error=" + strconv.Itoa(s.ErrorEvents),
		"actions=" + strconv.Itoa(s.Actions.Total),
		"rejected=" + strconv.Itoa(s.Actions.Rejected),
		"avg_total_ms=" + formatFloat(total.Avg),
		"max_total_ms=" + formatFloat(total.Max),
	}
	return strings.Join(append(parts, routes...), " ")
}

func formatFloat(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(v)
		return i, err == nil
	default:
		return 0, false
	}
}
