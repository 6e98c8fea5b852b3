package storage

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/attribution/internal/config"
	"github.com/gosight/gosight/attribution/internal/model"
)

// createAttributedPageViews keeps the latest emission per page view:
// ReplacingMergeTree collapses rows with the same page_view_id to the one
// with the highest version.
const createAttributedPageViews = `
	CREATE TABLE IF NOT EXISTS attributed_page_views (
		page_view_id String,
		user_id String,
		event_time DateTime('UTC'),
		url String,
		attributed_campaign_id Nullable(String),
		attributed_click_id Nullable(String),
		emission_id UUID,
		version UInt64,
		emitted_at DateTime64(3, 'UTC')
	)
	ENGINE = ReplacingMergeTree(version)
	ORDER BY page_view_id
`

type ClickHouse struct {
	conn driver.Conn
	now  func() time.Time
}

// AttributedPageViewRow represents a row in the attributed_page_views table
type AttributedPageViewRow struct {
	PageViewID           string
	UserID               string
	EventTime            time.Time
	URL                  string
	AttributedCampaignID *string
	AttributedClickID    *string
	EmissionID           uuid.UUID
	Version              uint64
	EmittedAt            time.Time
}

// NewAttributedPageViewRow stamps an emission with a fresh id and a version
// that orders it after every earlier emission
func NewAttributedPageViewRow(pv model.AttributedPageView, emittedAt time.Time) AttributedPageViewRow {
	return AttributedPageViewRow{
		PageViewID:           pv.PageViewID,
		UserID:               pv.UserID,
		EventTime:            pv.EventTime.UTC(),
		URL:                  pv.URL,
		AttributedCampaignID: pv.AttributedCampaignID,
		AttributedClickID:    pv.AttributedClickID,
		EmissionID:           uuid.New(),
		Version:              uint64(emittedAt.UnixNano()),
		EmittedAt:            emittedAt.UTC(),
	}
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	return &ClickHouse{conn: conn, now: time.Now}, nil
}

// InitSchema creates the output table if it does not exist
func (c *ClickHouse) InitSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, createAttributedPageViews); err != nil {
		return err
	}
	log.Info().Msg("Table attributed_page_views ready")
	return nil
}

// Write upserts one attributed page view
func (c *ClickHouse) Write(ctx context.Context, pv model.AttributedPageView) error {
	row := NewAttributedPageViewRow(pv, c.now())
	return c.conn.Exec(ctx, `
		INSERT INTO attributed_page_views (
			page_view_id, user_id, event_time, url,
			attributed_campaign_id, attributed_click_id,
			emission_id, version, emitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		row.PageViewID, row.UserID, row.EventTime, row.URL,
		row.AttributedCampaignID, row.AttributedClickID,
		row.EmissionID, row.Version, row.EmittedAt,
	)
}

func (c *ClickHouse) Name() string {
	return "clickhouse"
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
