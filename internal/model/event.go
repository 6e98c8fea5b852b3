package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// EventTimeLayout is the wire format of event_time: UTC without a zone suffix.
// Fractional seconds are written only when present.
const EventTimeLayout = "2006-01-02T15:04:05.999999999"

// Stream identifies one of the two input topics
type Stream string

const (
	StreamClicks    Stream = "ad_clicks"
	StreamPageViews Stream = "page_views"
)

// LogicalPartition returns the "<stream>_<partition>" id used in logs and stats
func (s Stream) LogicalPartition(partition int32) string {
	return string(s) + "_" + strconv.FormatInt(int64(partition), 10)
}

// ClickEvent is an ad click as consumed from the clicks topic
type ClickEvent struct {
	UserID     string
	EventTime  time.Time
	CampaignID string
	ClickID    string

	// Transport metadata
	Partition int32
	Offset    int64
}

// PageViewEvent is a page view as consumed from the page views topic
type PageViewEvent struct {
	UserID    string
	EventTime time.Time
	URL       string
	EventID   string

	// Transport metadata
	Partition int32
	Offset    int64
}

// AttributedPageView is the join output. A page view id may be emitted
// several times; the latest emission carries the best attribution.
type AttributedPageView struct {
	PageViewID           string
	UserID               string
	EventTime            time.Time
	URL                  string
	AttributedCampaignID *string
	AttributedClickID    *string
}

// NewAttributedPageView builds the output for a page view. A nil click
// leaves both attribution fields empty.
func NewAttributedPageView(pv PageViewEvent, click *ClickEvent) AttributedPageView {
	out := AttributedPageView{
		PageViewID: pv.EventID,
		UserID:     pv.UserID,
		EventTime:  pv.EventTime,
		URL:        pv.URL,
	}
	if click != nil {
		campaignID := click.CampaignID
		clickID := click.ClickID
		out.AttributedCampaignID = &campaignID
		out.AttributedClickID = &clickID
	}
	return out
}

// IsAttributed reports whether a click was credited
func (a AttributedPageView) IsAttributed() bool {
	return a.AttributedClickID != nil
}

// ClickID returns the attributed click id or "" when unattributed
func (a AttributedPageView) ClickID() string {
	if a.AttributedClickID == nil {
		return ""
	}
	return *a.AttributedClickID
}

// CampaignID returns the attributed campaign id or "" when unattributed
func (a AttributedPageView) CampaignID() string {
	if a.AttributedCampaignID == nil {
		return ""
	}
	return *a.AttributedCampaignID
}

type attributedPageViewJSON struct {
	PageViewID           string  `json:"page_view_id"`
	UserID               string  `json:"user_id"`
	EventTime            string  `json:"event_time"`
	URL                  string  `json:"url"`
	AttributedCampaignID *string `json:"attributed_campaign_id,omitempty"`
	AttributedClickID    *string `json:"attributed_click_id,omitempty"`
}

// MarshalJSON renders the snake_case wire shape
func (a AttributedPageView) MarshalJSON() ([]byte, error) {
	return json.Marshal(attributedPageViewJSON{
		PageViewID:           a.PageViewID,
		UserID:               a.UserID,
		EventTime:            a.EventTime.UTC().Format(EventTimeLayout),
		URL:                  a.URL,
		AttributedCampaignID: a.AttributedCampaignID,
		AttributedClickID:    a.AttributedClickID,
	})
}
