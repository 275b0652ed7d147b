package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"harvest/extract"
	"harvest/shared"
)

// JSONMap stores a string map as a JSONB column.
type JSONMap map[string]string

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	return json.Unmarshal(data, m)
}

// ContentRecord is one stored extraction result, keyed by URL.
type ContentRecord struct {
	URL         string    `db:"url"`
	Fingerprint string    `db:"fingerprint"`
	Title       string    `db:"title"`
	Content     string    `db:"content"`
	ContentType string    `db:"content_type"`
	Metadata    JSONMap   `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// WordCount counts the words of the stored text.
func (r *ContentRecord) WordCount() int {
	return extract.Words(r.Content)
}

// ContentStore persists extracted articles. Oversized bodies are clipped to
// maxContentSize before storage; 0 disables clipping.
type ContentStore struct {
	db             *sqlx.DB
	maxContentSize int
	log            *zap.SugaredLogger
}

// NewContentStore creates the store.
func NewContentStore(db *sqlx.DB, maxContentSize int, log *zap.SugaredLogger) *ContentStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ContentStore{
		db:             db,
		maxContentSize: maxContentSize,
		log:            log.With("component", "content_store"),
	}
}

// Save upserts one article. The fingerprint is derived from the URL, so a
// re-fetch of the same logical page overwrites rather than duplicates.
func (s *ContentStore) Save(ctx context.Context, url, title, content string, metadata map[string]string) error {
	if url == "" {
		return errors.New("content url is required")
	}
	if s.maxContentSize > 0 && len(content) > s.maxContentSize {
		s.log.Debugw("clipping oversized content", "url", url,
			"size", len(content), "max", s.maxContentSize)
		content = content[:s.maxContentSize]
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content (url, fingerprint, title, content, content_type, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'article', $5, now(), now())
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		url, shared.Fingerprint(url), title, content, JSONMap(metadata))
	if isUniqueViolation(err) {
		// A different URL variant with the same fingerprint raced past the
		// duplicate check. The content is already stored; not an error.
		s.log.Debugw("content already stored under another url", "url", url)
		return nil
	}
	if err != nil {
		return fmt.Errorf("save content for %s: %w", url, err)
	}
	return nil
}

// pgUniqueViolation is the Postgres error code for unique_violation.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Get returns the record for a URL, or nil when none exists.
func (s *ContentStore) Get(ctx context.Context, url string) (*ContentRecord, error) {
	var rec ContentRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT url, fingerprint, title, content, content_type, metadata, created_at, updated_at
		FROM content WHERE url = $1`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get content for %s: %w", url, err)
	}
	return &rec, nil
}

// HasFingerprint reports whether any record exists for the fingerprint. This
// is the duplicate check workers run before fetching.
func (s *ContentStore) HasFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM content WHERE fingerprint = $1)`, fingerprint)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return exists, nil
}

// Count returns the number of stored records.
func (s *ContentStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM content`); err != nil {
		return 0, fmt.Errorf("count content: %w", err)
	}
	return n, nil
}
