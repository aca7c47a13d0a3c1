package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NewWindow builds a UTC window and rejects empty or inverted ranges.
func NewWindow(from, to time.Time) (Window, error) {
	if !to.After(from) {
		return Window{}, eris.Errorf("model: window end %s is not after start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return Window{From: from.UTC(), To: to.UTC()}, nil
}

// DayWindow covers the whole UTC day named by a partition key.
func DayWindow(day string) (Window, error) {
	d, err := time.Parse(PartitionLayout, day)
	if err != nil {
		return Window{}, eris.Wrapf(err, "model: parse day %q", day)
	}
	return Window{From: d, To: d.AddDate(0, 0, 1)}, nil
}

// Trailing returns the window of length d that ends at end.
func Trailing(end time.Time, d time.Duration) Window {
	end = end.UTC()
	return Window{From: end.Add(-d), To: end}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Duration is the window length.
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

// Previous returns the equal-length window immediately before w.
func (w Window) Previous() Window {
	return Window{From: w.From.Add(-w.Duration()), To: w.From}
}

// Days lists the UTC dates the window touches, in order.
func (w Window) Days() []string {
	var days []string
	from := w.From.UTC()
	d := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for d.Before(w.To) {
		days = append(days, d.Format(PartitionLayout))
		d = d.AddDate(0, 0, 1)
	}
	return days
}

func (w Window) String() string {
	return w.From.Format(time.RFC3339) + "/" + w.To.Format(time.RFC3339)
}

// Signal is a computed monitoring point. It is never persisted as ground truth.
type Signal struct {
	Name   string             `json:"name"`
	Window Window             `json:"window"`
	Value  float64            `json:"value"`
	Attrs  map[string]float64 `json:"attrs,omitempty"`
}
