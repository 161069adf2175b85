// Package viewstate holds the (feed, date) selection and keeps it in step
// with the query string of the viewer URL.
package viewstate

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
)

const (
	ParamFeed = "feed"
	ParamDate = "date"
)

var (
	ErrMissingFeed = errors.New("viewstate: feed is required")
	ErrInvalidDate = errors.New("viewstate: invalid date")
)

// ViewState is the single authoritative selection. Every setter
// re-serialises the URL before it returns.
type ViewState struct {
	mu    sync.RWMutex
	base  url.URL
	extra url.Values
	feed  string
	date  civil.Date
	raw   string
}

// Today returns the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) civil.Date {
	if loc == nil {
		loc = time.Local
	}
	return civil.DateOf(now.In(loc))
}

// Parse reads feed and date from rawURL. A missing date becomes today.
// A missing feed returns the state together with ErrMissingFeed so the
// caller can still pick one.
func Parse(rawURL string, today civil.Date) (*ViewState, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse view url: %w", err)
	}
	q := u.Query()
	s := &ViewState{base: *u, extra: url.Values{}, feed: q.Get(ParamFeed), date: today}
	for k, v := range q {
		if k != ParamFeed && k != ParamDate {
			s.extra[k] = v
		}
	}
	if d := q.Get(ParamDate); d != "" {
		parsed, err := ParseDate(d)
		if err != nil {
			return nil, err
		}
		s.date = parsed
	}
	s.serialize()
	if s.feed == "" {
		return s, ErrMissingFeed
	}
	return s, nil
}

// ParseDate parses an ISO calendar date (YYYY-MM-DD).
func ParseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(strings.TrimSpace(s))
	if err != nil || !d.IsValid() {
		return civil.Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return d, nil
}

func (s *ViewState) Feed() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feed
}

func (s *ViewState) Date() civil.Date {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.date
}

// Selection returns feed and date read together.
func (s *ViewState) Selection() (string, civil.Date) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feed, s.date
}

func (s *ViewState) SetFeed(feed string) error {
	if strings.TrimSpace(feed) == "" {
		return ErrMissingFeed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = feed
	s.serialize()
	return nil
}

func (s *ViewState) SetDate(d civil.Date) error {
	if !d.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidDate, d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.date = d
	s.serialize()
	return nil
}

func (s *ViewState) SetDateString(v string) error {
	d, err := ParseDate(v)
	if err != nil {
		return err
	}
	return s.SetDate(d)
}

// URL is the viewer URL carrying the current selection.
func (s *ViewState) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw
}

// Query is the query string: feed and date first, then any other
// parameters sorted by key.
func (s *ViewState) Query() string {
	u, err := url.Parse(s.URL())
	if err != nil {
		return ""
	}
	return u.RawQuery
}

// serialize must be called with mu held for writing.
func (s *ViewState) serialize() {
	var b strings.Builder
	if s.feed != "" {
		b.WriteString(ParamFeed + "=" + url.QueryEscape(s.feed) + "&")
	}
	b.WriteString(ParamDate + "=" + url.QueryEscape(s.date.String()))

	keys := make([]string, 0, len(s.extra))
	for k := range s.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range s.extra[k] {
			b.WriteString("&" + url.QueryEscape(k) + "=" + url.QueryEscape(v))
		}
	}

	u := s.base
	u.RawQuery = b.String()
	s.raw = u.String()
}
