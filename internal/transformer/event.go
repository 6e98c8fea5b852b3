package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/araddon/dateparse"

	"github.com/gosight/gosight/attribution/internal/model"
)

// ErrMalformedEvent marks input that can never be processed
var ErrMalformedEvent = errors.New("malformed event")

// Event times must be representable as Unix nanoseconds
var (
	minEventTime = time.Unix(0, math.MinInt64).UTC()
	maxEventTime = time.Unix(0, math.MaxInt64).UTC()
)

// Source carries the transport position of a message
type Source struct {
	Partition int32
	Offset    int64
}

// Decode parses a message value into a raw event map
func Decode(value []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return raw, nil
}

// TransformClick builds a click from its JSON fields
func TransformClick(raw map[string]interface{}, src Source) (model.ClickEvent, error) {
	eventTime, err := parseEventTime(raw)
	if err != nil {
		return model.ClickEvent{}, err
	}

	click := model.ClickEvent{
		UserID:     getString(raw, "user_id"),
		EventTime:  eventTime,
		CampaignID: getString(raw, "campaign_id"),
		ClickID:    getString(raw, "click_id"),
		Partition:  src.Partition,
		Offset:     src.Offset,
	}

	if err := requireField(raw, "user_id", click.UserID); err != nil {
		return model.ClickEvent{}, err
	}
	if err := requireField(raw, "click_id", click.ClickID); err != nil {
		return model.ClickEvent{}, err
	}
	return click, nil
}

// TransformPageView builds a page view from its JSON fields
func TransformPageView(raw map[string]interface{}, src Source) (model.PageViewEvent, error) {
	eventTime, err := parseEventTime(raw)
	if err != nil {
		return model.PageViewEvent{}, err
	}

	pv := model.PageViewEvent{
		UserID:    getString(raw, "user_id"),
		EventTime: eventTime,
		URL:       getString(raw, "url"),
		EventID:   getString(raw, "event_id"),
		Partition: src.Partition,
		Offset:    src.Offset,
	}

	if err := requireField(raw, "user_id", pv.UserID); err != nil {
		return model.PageViewEvent{}, err
	}
	if err := requireField(raw, "event_id", pv.EventID); err != nil {
		return model.PageViewEvent{}, err
	}
	return pv, nil
}

// parseEventTime reads event_time as UTC unless the value carries its own zone
func parseEventTime(raw map[string]interface{}) (time.Time, error) {
	s := getString(raw, "event_time")
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing event_time", ErrMalformedEvent)
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: event_time %q: %v", ErrMalformedEvent, s, err)
	}
	if t.Before(minEventTime) || t.After(maxEventTime) {
		return time.Time{}, fmt.Errorf("%w: event_time %q out of range", ErrMalformedEvent, s)
	}
	return t.UTC(), nil
}

func requireField(raw map[string]interface{}, key, value string) error {
	if value == "" {
		if _, ok := raw[key]; !ok {
			return fmt.Errorf("%w: missing %s", ErrMalformedEvent, key)
		}
		return fmt.Errorf("%w: empty %s", ErrMalformedEvent, key)
	}
	return nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
