// Package report turns collected pipeline data into dashboard totals,
// daily summaries and filtered views.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/ghldash/internal/collect"
	"github.com/sawpanic/ghldash/internal/ghl"
)

const (
	DayLayout         = "2006-01-02"
	MonthLayout       = "2006-01"
	LastUpdatedLayout = "2006-01-02 15:04:05"
)

// Series maps a bucket key to an amount
type Series map[string]decimal.Decimal

// Sum totals every bucket
func (s Series) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, v := range s {
		total = total.Add(v)
	}
	return total
}

// Keys returns the bucket keys in order
func (s Series) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s Series) add(key string, v decimal.Decimal) {
	s[key] = s[key].Add(v)
}

// Totals holds the retail and rental series of one location
type Totals struct {
	Retail Series `json:"retail"`
	Rental Series `json:"rental"`
}

func newTotals() Totals {
	return Totals{Retail: Series{}, Rental: Series{}}
}

// Dashboard is the processed result of one collection
type Dashboard struct {
	Locations   []string                       `json:"locations"`
	Daily       map[string]Totals              `json:"daily_totals"`
	Weekly      map[string]Totals              `json:"weekly_totals"`
	Monthly     map[string]Totals              `json:"monthly_totals"`
	Leads       map[string]collect.LeadMetrics `json:"lead_metrics"`
	Failures    map[string]string              `json:"failures,omitempty"`
	LastUpdated string                         `json:"last_updated"`
	GeneratedAt time.Time                      `json:"generated_at"`
}

// WeekKey formats the Sunday-first week of t as YYYY-Www. Days before the
// first Sunday of the year are week 00.
func WeekKey(t time.Time) string {
	yday := t.YearDay() - 1
	week := (yday + 7 - int(t.Weekday())) / 7
	return fmt.Sprintf("%04d-W%02d", t.Year(), week)
}

// Process aggregates raw data into daily, weekly and monthly totals
func Process(raw *collect.RawData, now time.Time) *Dashboard {
	d := &Dashboard{
		Daily:       make(map[string]Totals),
		Weekly:      make(map[string]Totals),
		Monthly:     make(map[string]Totals),
		Leads:       make(map[string]collect.LeadMetrics),
		Failures:    raw.Failures,
		LastUpdated: now.Format(LastUpdatedLayout),
		GeneratedAt: now,
	}

	for _, name := range raw.Locations {
		data := raw.ByLocation[name]
		d.Locations = append(d.Locations, name)

		daily, weekly, monthly := newTotals(), newTotals(), newTotals()
		accumulate(name, data.SoldRetail(), daily.Retail, weekly.Retail, monthly.Retail)
		accumulate(name, data.SoldRental(), daily.Rental, weekly.Rental, monthly.Rental)

		d.Daily[name] = daily
		d.Weekly[name] = weekly
		d.Monthly[name] = monthly
		d.Leads[name] = data.Leads
	}
	return d
}

func accumulate(location string, opps []ghl.Opportunity, daily, weekly, monthly Series) {
	skipped := 0
	for _, o := range opps {
		t, ok := o.Date()
		if !ok {
			skipped++
			continue
		}
		daily.add(t.Format(DayLayout), o.MonetaryValue)
		weekly.add(WeekKey(t), o.MonetaryValue)
		monthly.add(t.Format(MonthLayout), o.MonetaryValue)
	}
	if skipped > 0 {
		log.Debug().Str("location", location).Int("skipped", skipped).Msg("Opportunities without a date were not aggregated")
	}
}

// LocationPerformance is one location's sales for a day
type LocationPerformance struct {
	Retail decimal.Decimal `json:"retail_sales"`
	Rental decimal.Decimal `json:"rental_sales"`
	Total  decimal.Decimal `json:"total_sales"`
}

// Summary reports the previous day's sales and the current lead response
type Summary struct {
	Date         string                         `json:"date"`
	SalesDate    string                         `json:"sales_date"`
	TotalRetail  decimal.Decimal                `json:"total_retail_sales"`
	TotalRental  decimal.Decimal                `json:"total_rental_sales"`
	Locations    map[string]LocationPerformance `json:"location_performance"`
	LeadResponse map[string]collect.LeadMetrics `json:"lead_response"`
}

// DailySummary summarizes yesterday's sales relative to now
func DailySummary(d *Dashboard, now time.Time) *Summary {
	yesterday := now.AddDate(0, 0, -1).Format(DayLayout)
	s := &Summary{
		Date:         now.Format(DayLayout),
		SalesDate:    yesterday,
		TotalRetail:  decimal.Zero,
		TotalRental:  decimal.Zero,
		Locations:    make(map[string]LocationPerformance, len(d.Locations)),
		LeadResponse: make(map[string]collect.LeadMetrics, len(d.Locations)),
	}

	for _, name := range d.Locations {
		totals := d.Daily[name]
		retail := totals.Retail[yesterday]
		rental := totals.Rental[yesterday]

		s.TotalRetail = s.TotalRetail.Add(retail)
		s.TotalRental = s.TotalRental.Add(rental)
		s.Locations[name] = LocationPerformance{Retail: retail, Rental: rental, Total: retail.Add(rental)}
		s.LeadResponse[name] = d.Leads[name]
	}
	return s
}
