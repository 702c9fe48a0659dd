package digest

import (
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"signal-radar/internal/model"
)

// Options controls rendering.
type Options struct {
	Title string `yaml:"title" default:"Signal Radar"`
	TopN  int    `yaml:"top_n" default:"30" validate:"gte=0"`
}

// maRank orders the moving-average sections. A symbol appears once across
// them, in the highest-ranked section it matched.
var maRank = map[model.Kind]int{
	model.KindBreakout:       0,
	model.KindNearThreshold:  1,
	model.KindSustainedAbove: 2,
}

var kindLabel = map[model.Kind]string{
	model.KindBreakout:       "Breakout",
	model.KindNearThreshold:  "Near MA",
	model.KindSustainedAbove: "Holding above MA",
	model.KindPercentSpike:   "Price spike",
	model.KindVolumeSpike:    "Volume spike",
}

// Row is one rendered line of the digest.
type Row struct {
	Market string
	Symbol string
	Name   string
	Kind   model.Kind
	Close  float64
	Pct    string // pct vs MA or pct change, pre-formatted
	Volume string // volume ratio, pre-formatted
}

// Section groups rows of one kind family within a market.
type Section struct {
	Market string
	Title  string
	Rows   []Row
	Hidden int // rows cut by TopN
}

// Sections builds the presentation sections for events: per market (sorted),
// the MA section (Breakout > NearThreshold > SustainedAbove, one row per
// symbol, strongest pct_vs_ma first) followed by one section per spike kind.
// Every section is trimmed to TopN rows.
func Sections(events []model.SignalEvent, topN int) []Section {
	byMarket := make(map[string][]model.SignalEvent)
	var markets []string
	for _, e := range events {
		if _, ok := byMarket[e.Market]; !ok {
			markets = append(markets, e.Market)
		}
		byMarket[e.Market] = append(byMarket[e.Market], e)
	}
	sort.Strings(markets)

	var out []Section
	for _, mkt := range markets {
		var ma, spikes, vols []model.SignalEvent
		for _, e := range byMarket[mkt] {
			switch e.Kind {
			case model.KindBreakout, model.KindNearThreshold, model.KindSustainedAbove:
				ma = append(ma, e)
			case model.KindPercentSpike:
				spikes = append(spikes, e)
			case model.KindVolumeSpike:
				vols = append(vols, e)
			}
		}

		if len(ma) > 0 {
			sort.SliceStable(ma, func(i, j int) bool {
				ri, rj := maRank[ma[i].Kind], maRank[ma[j].Kind]
				if ri != rj {
					return ri < rj
				}
				return ma[i].Metrics[model.MetricPctVsMA] > ma[j].Metrics[model.MetricPctVsMA]
			})
			seen := make(map[string]bool, len(ma))
			var uniq []model.SignalEvent
			for _, e := range ma {
				if seen[e.Symbol] {
					continue
				}
				seen[e.Symbol] = true
				uniq = append(uniq, e)
			}
			out = append(out, section(mkt, "MA signals", uniq, topN, maRow))
		}
		if len(spikes) > 0 {
			sortDesc(spikes, model.MetricPctChange)
			out = append(out, section(mkt, kindLabel[model.KindPercentSpike], spikes, topN, changeRow))
		}
		if len(vols) > 0 {
			sortDesc(vols, model.MetricVolumeRatio)
			out = append(out, section(mkt, kindLabel[model.KindVolumeSpike], vols, topN, changeRow))
		}
	}
	return out
}

func sortDesc(events []model.SignalEvent, metric string) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Metrics[metric] > events[j].Metrics[metric]
	})
}

func section(market, title string, events []model.SignalEvent, topN int, row func(model.SignalEvent) Row) Section {
	s := Section{Market: market, Title: title}
	if topN > 0 && len(events) > topN {
		s.Hidden = len(events) - topN
		events = events[:topN]
	}
	for _, e := range events {
		s.Rows = append(s.Rows, row(e))
	}
	return s
}

func maRow(e model.SignalEvent) Row {
	r := baseRow(e)
	if v, ok := e.Metric(model.MetricPctVsMA); ok {
		r.Pct = signedPct(v * 100)
	}
	return r
}

func changeRow(e model.SignalEvent) Row {
	r := baseRow(e)
	if v, ok := e.Metric(model.MetricPctChange); ok {
		r.Pct = signedPct(v)
	}
	return r
}

func baseRow(e model.SignalEvent) Row {
	r := Row{Market: e.Market, Symbol: e.Symbol, Name: e.Name, Kind: e.Kind}
	r.Close, _ = e.Metric(model.MetricClose)
	if v, ok := e.Metric(model.MetricVolumeRatio); ok {
		r.Volume = strconv.FormatFloat(v, 'f', 2, 64) + "x"
	}
	return r
}

func signedPct(v float64) string {
	return fmt.Sprintf("%+.2f%%", v)
}

// Render builds the batch for one bucket, dated in now's location. All routed
// events stay in the batch (and are committed together) even when a
// lower-priority duplicate row or the TopN cut keeps them out of the text.
func Render(bucket string, events []model.SignalEvent, opts Options, now time.Time) model.NotificationBatch {
	title := opts.Title
	if title == "" {
		title = "Signal Radar"
	}
	sections := Sections(events, opts.TopN)
	rows := 0
	for _, s := range sections {
		rows += len(s.Rows)
	}

	date := now.Format("2006-01-02")
	return model.NotificationBatch{
		Bucket:  bucket,
		Events:  events,
		Subject: fmt.Sprintf("%s [%s] %s: %d signals", title, bucket, date, rows),
		Body:    renderText(sections),
		HTML:    renderHTML(title, bucket, date, sections),
	}
}

func renderText(sections []Section) string {
	if len(sections) == 0 {
		return "No new signals."
	}
	var b strings.Builder
	market := ""
	for _, s := range sections {
		if s.Market != market {
			if market != "" {
				b.WriteByte('\n')
			}
			market = s.Market
			fmt.Fprintf(&b, "[%s]\n", market)
		}
		fmt.Fprintf(&b, "%s\n", s.Title)
		for _, r := range s.Rows {
			b.WriteString("- ")
			b.WriteString(r.Symbol)
			if r.Name != "" {
				b.WriteString(" " + r.Name)
			}
			fmt.Fprintf(&b, " | %s | %s", kindLabel[r.Kind], strconv.FormatFloat(r.Close, 'f', -1, 64))
			if r.Pct != "" {
				b.WriteString(" " + r.Pct)
			}
			if r.Volume != "" {
				b.WriteString(" " + r.Volume)
			}
			b.WriteByte('\n')
		}
		if s.Hidden > 0 {
			fmt.Fprintf(&b, "(+%d more)\n", s.Hidden)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

const cellStyle = `style="padding:6px;border:1px solid #ddd;"`

func renderHTML(title, bucket, date string, sections []Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h3>%s [%s] %s</h3>\n", html.EscapeString(title), html.EscapeString(bucket), date)
	if len(sections) == 0 {
		b.WriteString("<p>No new signals.</p>\n")
		return b.String()
	}
	for _, s := range sections {
		fmt.Fprintf(&b, "<h4>%s / %s</h4>\n", html.EscapeString(s.Market), html.EscapeString(s.Title))
		b.WriteString(`<table style="border-collapse:collapse;font-size:14px;">` + "\n<tr>")
		for _, h := range []string{"#", "Symbol", "Name", "Signal", "Close", "Pct", "Volume"} {
			fmt.Fprintf(&b, "<th %s>%s</th>", cellStyle, h)
		}
		b.WriteString("</tr>\n")
		for i, r := range s.Rows {
			b.WriteString("<tr>")
			for _, c := range []string{
				strconv.Itoa(i + 1), r.Symbol, r.Name, kindLabel[r.Kind],
				strconv.FormatFloat(r.Close, 'f', -1, 64), r.Pct, r.Volume,
			} {
				fmt.Fprintf(&b, "<td %s>%s</td>", cellStyle, html.EscapeString(c))
			}
			b.WriteString("</tr>\n")
		}
		b.WriteString("</table>\n")
		if s.Hidden > 0 {
			fmt.Fprintf(&b, "<p>+%d more</p>\n", s.Hidden)
		}
	}
	return b.String()
}
