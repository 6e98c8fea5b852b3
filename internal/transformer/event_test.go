package transformer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	raw, err := Decode([]byte(`{"user_id":"u1","event_time":"2024-01-01T10:00:00"}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", raw["user_id"])

	_, err = Decode([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestTransformClick(t *testing.T) {
	raw := map[string]interface{}{
		"user_id":     "u1",
		"event_time":  "2024-01-01T10:00:00",
		"campaign_id": "camp_1",
		"click_id":    "click_1",
	}

	click, err := TransformClick(raw, Source{Partition: 3, Offset: 42})
	require.NoError(t, err)

	assert.Equal(t, "u1", click.UserID)
	assert.Equal(t, "camp_1", click.CampaignID)
	assert.Equal(t, "click_1", click.ClickID)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), click.EventTime)
	assert.Equal(t, int32(3), click.Partition)
	assert.Equal(t, int64(42), click.Offset)
}

func TestTransformPageView(t *testing.T) {
	raw := map[string]interface{}{
		"user_id":    "u1",
		"event_time": "2024-01-01T10:05:00",
		"url":        "/home",
		"event_id":   "pv_1",
	}

	pv, err := TransformPageView(raw, Source{Partition: 1, Offset: 7})
	require.NoError(t, err)

	assert.Equal(t, "u1", pv.UserID)
	assert.Equal(t, "/home", pv.URL)
	assert.Equal(t, "pv_1", pv.EventID)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC), pv.EventTime)
	assert.Equal(t, int32(1), pv.Partition)
	assert.Equal(t, int64(7), pv.Offset)
}

func TestParseEventTime(t *testing.T) {
	want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value interface{}
		want  time.Time
		err   bool
	}{
		{name: "zoneless is utc", value: "2024-01-01T10:00:00", want: want},
		{name: "space separated", value: "2024-01-01 10:00:00", want: want},
		{name: "explicit utc", value: "2024-01-01T10:00:00Z", want: want},
		{name: "offset converted to utc", value: "2024-01-01T12:00:00+02:00", want: want},
		{name: "missing", value: nil, err: true},
		{name: "not a string", value: 1704103200.0, err: true},
		{name: "out of range", value: "2024-13-45T99:00:00", err: true},
		{name: "after nanosecond range", value: "2300-01-01T00:00:00", err: true},
		{name: "before nanosecond range", value: "1600-01-01T00:00:00", err: true},
		{name: "nanosecond range upper edge", value: "2262-04-11T00:00:00", want: time.Date(2262, 4, 11, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]interface{}{}
			if tt.value != nil {
				raw["event_time"] = tt.value
			}

			got, err := parseEventTime(raw)
			if tt.err {
				assert.ErrorIs(t, err, ErrMalformedEvent)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestTransform_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]interface{}
		fn   func(map[string]interface{}) error
	}{
		{
			name: "click without user",
			raw:  map[string]interface{}{"event_time": "2024-01-01T10:00:00", "click_id": "c1"},
			fn:   transformClickErr,
		},
		{
			name: "click without id",
			raw:  map[string]interface{}{"event_time": "2024-01-01T10:00:00", "user_id": "u1"},
			fn:   transformClickErr,
		},
		{
			name: "click with empty id",
			raw:  map[string]interface{}{"event_time": "2024-01-01T10:00:00", "user_id": "u1", "click_id": ""},
			fn:   transformClickErr,
		},
		{
			name: "page view without event id",
			raw:  map[string]interface{}{"event_time": "2024-01-01T10:00:00", "user_id": "u1"},
			fn:   transformPageViewErr,
		},
		{
			name: "page view without time",
			raw:  map[string]interface{}{"user_id": "u1", "event_id": "pv1"},
			fn:   transformPageViewErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(tt.raw), ErrMalformedEvent)
		})
	}
}

func transformClickErr(raw map[string]interface{}) error {
	_, err := TransformClick(raw, Source{})
	return err
}

func transformPageViewErr(raw map[string]interface{}) error {
	_, err := TransformPageView(raw, Source{})
	return err
}
