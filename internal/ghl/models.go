package ghl

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Location is a CRM sub-account
type Location struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

// Pipeline is a sales pipeline of a location
type Pipeline struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Stages []Stage `json:"stages,omitempty"`
}

// Stage is a pipeline stage
type Stage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Opportunity is a deal in a pipeline stage
type Opportunity struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Status        string          `json:"status,omitempty"`
	PipelineID    string          `json:"pipelineId"`
	StageID       string          `json:"pipelineStageId"`
	MonetaryValue decimal.Decimal `json:"monetaryValue"`
	CreatedAt     time.Time       `json:"createdAt"`
	ClosedAt      time.Time       `json:"closedDate"`
}

// Date is the day the opportunity counts for: its close date, else its
// creation date. ok is false when neither is known.
func (o Opportunity) Date() (time.Time, bool) {
	if !o.ClosedAt.IsZero() {
		return o.ClosedAt, true
	}
	if !o.CreatedAt.IsZero() {
		return o.CreatedAt, true
	}
	return time.Time{}, false
}

// Contact is a lead
type Contact struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Email           string    `json:"email,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastContactedAt time.Time `json:"lastContactedDate"`
	// Contacted is set when the API reported any last contact date
	Contacted bool `json:"contacted"`
}

func parseLocation(r gjson.Result) Location {
	return Location{
		ID:       firstString(r, "id", "_id"),
		Name:     r.Get("name").String(),
		Timezone: r.Get("timezone").String(),
	}
}

func parsePipeline(r gjson.Result) Pipeline {
	p := Pipeline{ID: firstString(r, "id", "_id"), Name: r.Get("name").String()}
	r.Get("stages").ForEach(func(_, s gjson.Result) bool {
		p.Stages = append(p.Stages, parseStage(s))
		return true
	})
	return p
}

func parseStage(r gjson.Result) Stage {
	return Stage{ID: firstString(r, "id", "_id"), Name: r.Get("name").String()}
}

func parseOpportunity(r gjson.Result) Opportunity {
	return Opportunity{
		ID:            firstString(r, "id", "_id"),
		Name:          r.Get("name").String(),
		Status:        r.Get("status").String(),
		PipelineID:    r.Get("pipelineId").String(),
		StageID:       r.Get("pipelineStageId").String(),
		MonetaryValue: parseMoney(r.Get("monetaryValue")),
		CreatedAt:     parseTime(r.Get("createdAt").String()),
		ClosedAt:      parseTime(r.Get("closedDate").String()),
	}
}

func parseContact(r gjson.Result) Contact {
	name := r.Get("contactName").String()
	if name == "" {
		name = strings.TrimSpace(r.Get("firstName").String() + " " + r.Get("lastName").String())
	}
	last := r.Get("lastContactedDate").String()
	return Contact{
		ID:              firstString(r, "id", "_id"),
		Name:            name,
		Email:           r.Get("email").String(),
		CreatedAt:       parseTime(firstString(r, "createdAt", "dateAdded")),
		LastContactedAt: parseTime(last),
		Contacted:       last != "",
	}
}

// parseMoney accepts numbers and numeric strings; anything else is zero
func parseMoney(r gjson.Result) decimal.Decimal {
	var raw string
	switch r.Type {
	case gjson.Number:
		raw = r.Raw
	case gjson.String:
		raw = strings.TrimSpace(r.Str)
	default:
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime keeps the offset of the source so the calendar date matches
// what the API reported
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
