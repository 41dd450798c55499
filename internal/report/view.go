package report

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/ghldash/internal/collect"
)

// Date ranges
const (
	RangeDaily   = "daily"
	RangeWeekly  = "weekly"
	RangeMonthly = "monthly"
	RangeCustom  = "custom"
)

// Metrics
const (
	MetricSoldRetail   = "sold_retail"
	MetricSoldRental   = "sold_rental"
	MetricResponseRate = "lead_response_rate"
	MetricResponseTime = "avg_response_time"
)

const (
	dailyBuckets   = 30
	weeklyBuckets  = 12
	monthlyBuckets = 12
	trendWindow    = 7
	maxCustomDays  = 366
)

// AllMetrics lists the metrics in display order
var AllMetrics = []string{MetricSoldRetail, MetricSoldRental, MetricResponseRate, MetricResponseTime}

// DefaultMetrics are selected when a filter names none
var DefaultMetrics = []string{MetricSoldRetail, MetricSoldRental}

// ErrInvalidFilter is returned for filters that cannot be applied
var ErrInvalidFilter = errors.New("invalid filter")

// ValidRange reports whether r is a known date range
func ValidRange(r string) bool {
	switch r {
	case RangeDaily, RangeWeekly, RangeMonthly, RangeCustom:
		return true
	}
	return false
}

// Filter selects what a view shows
type Filter struct {
	DateRange string    `json:"date_range"`
	Start     time.Time `json:"start_date,omitempty"`
	End       time.Time `json:"end_date,omitempty"`
	Locations []string  `json:"locations,omitempty"`
	Metrics   []string  `json:"metrics"`
}

// Has reports whether the filter selects metric
func (f Filter) Has(metric string) bool {
	for _, m := range f.Metrics {
		if m == metric {
			return true
		}
	}
	return false
}

// ParseFilter reads a filter from query parameters date_range, start_date,
// end_date, locations and metrics. List parameters may repeat or be
// comma-separated; "all" selects every location.
func ParseFilter(q url.Values, defaultRange string) (Filter, error) {
	f := Filter{DateRange: strings.ToLower(strings.TrimSpace(q.Get("date_range")))}
	if f.DateRange == "" {
		f.DateRange = defaultRange
	}
	if !ValidRange(f.DateRange) {
		return f, fmt.Errorf("%w: unknown date range %q", ErrInvalidFilter, f.DateRange)
	}

	if f.DateRange == RangeCustom {
		var err error
		if f.Start, err = parseDay(q.Get("start_date")); err != nil {
			return f, fmt.Errorf("%w: start_date: %v", ErrInvalidFilter, err)
		}
		if f.End, err = parseDay(q.Get("end_date")); err != nil {
			return f, fmt.Errorf("%w: end_date: %v", ErrInvalidFilter, err)
		}
	}

	for _, loc := range splitList(q["locations"]) {
		if strings.EqualFold(loc, "all") {
			f.Locations = nil
			break
		}
		f.Locations = append(f.Locations, loc)
	}

	for _, m := range splitList(q["metrics"]) {
		m = strings.ToLower(m)
		if !knownMetric(m) {
			return f, fmt.Errorf("%w: unknown metric %q", ErrInvalidFilter, m)
		}
		if !f.Has(m) {
			f.Metrics = append(f.Metrics, m)
		}
	}
	return f, nil
}

// Query encodes the filter back into query parameters
func (f Filter) Query() url.Values {
	q := url.Values{}
	q.Set("date_range", f.DateRange)
	if f.DateRange == RangeCustom {
		q.Set("start_date", f.Start.Format(DayLayout))
		q.Set("end_date", f.End.Format(DayLayout))
	}
	if len(f.Locations) > 0 {
		q.Set("locations", strings.Join(f.Locations, ","))
	}
	if len(f.Metrics) > 0 {
		q.Set("metrics", strings.Join(f.Metrics, ","))
	}
	return q
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("required for a custom range")
	}
	return time.Parse(DayLayout, s)
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func knownMetric(m string) bool {
	for _, known := range AllMetrics {
		if m == known {
			return true
		}
	}
	return false
}

// Card is one headline number
type Card struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// LocationSeries is one location's values per bucket
type LocationSeries struct {
	Location    string            `json:"location"`
	Retail      []decimal.Decimal `json:"sold_retail"`
	Rental      []decimal.Decimal `json:"sold_rental"`
	RetailTrend []decimal.Decimal `json:"sold_retail_trend"`
}

// Comparison is one location's totals over the whole view
type Comparison struct {
	Location           string          `json:"location"`
	Retail             decimal.Decimal `json:"sold_retail"`
	Rental             decimal.Decimal `json:"sold_rental"`
	TotalLeads         int             `json:"total_leads"`
	ResponseRate       float64         `json:"lead_response_rate"`
	AvgResponseMinutes float64         `json:"avg_response_time"`
}

// Highlight names the leading location for one measure
type Highlight struct {
	Label    string `json:"label"`
	Location string `json:"location"`
	Value    string `json:"value"`
}

// View is a filtered projection of a dashboard
type View struct {
	Filter             Filter           `json:"filter"`
	Buckets            []string         `json:"buckets"`
	Series             []LocationSeries `json:"series"`
	Comparison         []Comparison     `json:"comparison"`
	Cards              []Card           `json:"cards"`
	Highlights         []Highlight      `json:"highlights"`
	TotalRetail        decimal.Decimal  `json:"total_retail"`
	TotalRental        decimal.Decimal  `json:"total_rental"`
	AvgResponseRate    float64          `json:"avg_response_rate"`
	AvgResponseMinutes float64          `json:"avg_response_time"`
	LastUpdated        string           `json:"last_updated"`
}

// BuildView applies f to d. now decides where the rolling ranges end and
// should be in the dashboard's timezone.
func BuildView(d *Dashboard, f Filter, now time.Time) (*View, error) {
	if len(f.Metrics) == 0 {
		f.Metrics = append([]string(nil), DefaultMetrics...)
	}
	if f.DateRange == "" {
		f.DateRange = RangeDaily
	}

	buckets, source, err := bucketsFor(d, f, now)
	if err != nil {
		return nil, err
	}

	locations, err := selectLocations(d, f.Locations)
	if err != nil {
		return nil, err
	}

	v := &View{
		Filter:      f,
		Buckets:     buckets,
		TotalRetail: decimal.Zero,
		TotalRental: decimal.Zero,
		LastUpdated: d.LastUpdated,
	}

	var rateSum, timeSum float64
	var rated, timed int

	for _, name := range locations {
		totals := source[name]
		s := LocationSeries{
			Location: name,
			Retail:   make([]decimal.Decimal, len(buckets)),
			Rental:   make([]decimal.Decimal, len(buckets)),
		}
		retail, rental := decimal.Zero, decimal.Zero
		for i, key := range buckets {
			s.Retail[i] = totals.Retail[key]
			s.Rental[i] = totals.Rental[key]
			retail = retail.Add(s.Retail[i])
			rental = rental.Add(s.Rental[i])
		}
		s.RetailTrend = MovingAverage(s.Retail, trendWindow)
		v.Series = append(v.Series, s)

		leads := d.Leads[name]
		c := Comparison{
			Location:           name,
			Retail:             retail,
			Rental:             rental,
			TotalLeads:         leads.TotalLeads,
			ResponseRate:       leads.ResponseRate * 100,
			AvgResponseMinutes: leads.AvgResponseMinutes,
		}
		v.Comparison = append(v.Comparison, c)

		v.TotalRetail = v.TotalRetail.Add(retail)
		v.TotalRental = v.TotalRental.Add(rental)
		if leads.TotalLeads > 0 {
			rateSum += c.ResponseRate
			rated++
		}
		if leads.RespondedLeads > 0 {
			timeSum += c.AvgResponseMinutes
			timed++
		}
	}

	if rated > 0 {
		v.AvgResponseRate = rateSum / float64(rated)
	}
	if timed > 0 {
		v.AvgResponseMinutes = timeSum / float64(timed)
	}

	v.Cards = []Card{
		{Title: "Total Sold Retail", Value: FormatMoney(v.TotalRetail)},
		{Title: "Total Sold Rental", Value: FormatMoney(v.TotalRental)},
		{Title: "Avg Lead Response Rate", Value: FormatPercent(v.AvgResponseRate)},
		{Title: "Avg Response Time", Value: FormatMinutes(v.AvgResponseMinutes)},
	}
	v.Highlights = highlights(v.Comparison, d.Leads)
	return v, nil
}

func bucketsFor(d *Dashboard, f Filter, now time.Time) ([]string, map[string]Totals, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch f.DateRange {
	case RangeDaily:
		return dayKeys(today.AddDate(0, 0, -(dailyBuckets-1)), today), d.Daily, nil

	case RangeWeekly:
		// every day of the window contributes its week so weeks split by
		// the new year both appear
		var keys []string
		seen := make(map[string]bool)
		for day := today.AddDate(0, 0, -(7*weeklyBuckets - 1)); !day.After(today); day = day.AddDate(0, 0, 1) {
			if k := WeekKey(day); !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		return keys, d.Weekly, nil

	case RangeMonthly:
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		keys := make([]string, 0, monthlyBuckets)
		for i := monthlyBuckets - 1; i >= 0; i-- {
			keys = append(keys, first.AddDate(0, -i, 0).Format(MonthLayout))
		}
		return keys, d.Monthly, nil

	case RangeCustom:
		if f.Start.IsZero() || f.End.IsZero() {
			return nil, nil, fmt.Errorf("%w: custom range needs start and end dates", ErrInvalidFilter)
		}
		if f.Start.After(f.End) {
			return nil, nil, fmt.Errorf("%w: start date %s is after end date %s",
				ErrInvalidFilter, f.Start.Format(DayLayout), f.End.Format(DayLayout))
		}
		if f.End.Sub(f.Start) > maxCustomDays*24*time.Hour {
			return nil, nil, fmt.Errorf("%w: custom range longer than %d days", ErrInvalidFilter, maxCustomDays)
		}
		return dayKeys(f.Start, f.End), d.Daily, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown date range %q", ErrInvalidFilter, f.DateRange)
}

func dayKeys(start, end time.Time) []string {
	var keys []string
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		keys = append(keys, day.Format(DayLayout))
	}
	return keys
}

func selectLocations(d *Dashboard, names []string) ([]string, error) {
	if len(names) == 0 {
		return d.Locations, nil
	}
	known := make(map[string]bool, len(d.Locations))
	for _, l := range d.Locations {
		known[l] = true
	}
	for _, n := range names {
		if !known[n] {
			return nil, fmt.Errorf("%w: unknown location %q", ErrInvalidFilter, n)
		}
	}
	return names, nil
}

// MovingAverage is the trailing mean over window values; the first values
// average what is available so far
func MovingAverage(values []decimal.Decimal, window int) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	sum := decimal.Zero
	for i, v := range values {
		sum = sum.Add(v)
		if i >= window {
			sum = sum.Sub(values[i-window])
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum.Div(decimal.NewFromInt(int64(n))).Round(2)
	}
	return out
}

func highlights(cmp []Comparison, leads map[string]collect.LeadMetrics) []Highlight {
	var out []Highlight
	if len(cmp) == 0 {
		return out
	}

	topRetail, topRental := cmp[0], cmp[0]
	for _, c := range cmp[1:] {
		if c.Retail.GreaterThan(topRetail.Retail) {
			topRetail = c
		}
		if c.Rental.GreaterThan(topRental.Rental) {
			topRental = c
		}
	}
	out = append(out,
		Highlight{Label: "Top retail sales", Location: topRetail.Location, Value: FormatMoney(topRetail.Retail)},
		Highlight{Label: "Top rental sales", Location: topRental.Location, Value: FormatMoney(topRental.Rental)},
	)

	var bestRate, fastest *Comparison
	for i := range cmp {
		c := &cmp[i]
		l := leads[c.Location]
		if l.TotalLeads > 0 && (bestRate == nil || c.ResponseRate > bestRate.ResponseRate) {
			bestRate = c
		}
		if l.RespondedLeads > 0 && (fastest == nil || c.AvgResponseMinutes < fastest.AvgResponseMinutes) {
			fastest = c
		}
	}
	if bestRate != nil {
		out = append(out, Highlight{Label: "Best lead response rate", Location: bestRate.Location, Value: FormatPercent(bestRate.ResponseRate)})
	}
	if fastest != nil {
		out = append(out, Highlight{Label: "Fastest response time", Location: fastest.Location, Value: FormatMinutes(fastest.AvgResponseMinutes)})
	}
	return out
}
