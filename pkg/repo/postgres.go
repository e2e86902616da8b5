package repo

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds relational store connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int32
	ConnMaxLifetime time.Duration
}

// LoadPostgresConfigFromEnv reads the connection settings from the
// environment with local-development defaults.
func LoadPostgresConfigFromEnv() (PostgresConfig, error) {
	cfg := PostgresConfig{
		Host:            envOr("DB_HOST", "localhost"),
		Port:            5432,
		User:            envOr("DB_USER", "clipforge"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        envOr("DB_NAME", "clipforge"),
		SSLMode:         envOr("DB_SSLMODE", "disable"),
		MaxConns:        10,
		ConnMaxLifetime: time.Hour,
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return PostgresConfig{}, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.Port = n
	}
	return cfg, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// DSN renders the pgx-compatible connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, applies pending migrations, and returns the
// store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := runMigrations(cfg); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool. Used by integration
// tests.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks database liveness.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// runMigrations applies the embedded migration files through a short-lived
// database/sql connection.
func runMigrations(cfg PostgresConfig) error {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return source.Close()
}

// MigrateDatabase applies migrations to an arbitrary DSN. Used by
// integration tests and one-off tooling.
func MigrateDatabase(cfg PostgresConfig) error {
	return runMigrations(cfg)
}

func (s *PostgresStore) VideoBySubject(ctx context.Context, subjectID string) (Video, error) {
	var v Video
	err := s.pool.QueryRow(ctx,
		`SELECT id, subject_id, title, source_url, cloud_key, duration_seconds, width, height, has_audio, created_at
		 FROM videos WHERE subject_id = $1`, subjectID).
		Scan(&v.ID, &v.SubjectID, &v.Title, &v.SourceURL, &v.CloudKey,
			&v.DurationSeconds, &v.Width, &v.Height, &v.HasAudio, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Video{}, fmt.Errorf("%w: video for subject %s", ErrNotFound, subjectID)
	}
	if err != nil {
		return Video{}, fmt.Errorf("querying video for subject %s: %w", subjectID, err)
	}
	return v, nil
}

// CreateVideo registers a source video. Idempotent by subject id; a
// re-registration refreshes the title and source URL but keeps the row.
func (s *PostgresStore) CreateVideo(ctx context.Context, v Video) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO videos (subject_id, title, source_url)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (subject_id) DO UPDATE
		 SET title = EXCLUDED.title, source_url = EXCLUDED.source_url
		 RETURNING id`,
		v.SubjectID, v.Title, v.SourceURL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting video: %w", err)
	}
	return id, nil
}

// UpdateVideoMedia records the uploaded object key and probed metadata.
func (s *PostgresStore) UpdateVideoMedia(ctx context.Context, subjectID string, m VideoMedia) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE videos
		 SET cloud_key = $2, duration_seconds = $3, width = $4, height = $5, has_audio = $6
		 WHERE subject_id = $1`,
		subjectID, m.CloudKey, m.DurationSeconds, m.Width, m.Height, m.HasAudio)
	if err != nil {
		return fmt.Errorf("updating video media for subject %s: %w", subjectID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: video for subject %s", ErrNotFound, subjectID)
	}
	return nil
}

func (s *PostgresStore) CreateTranscript(ctx context.Context, t Transcript) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO transcripts (video_id, text, words_json, segments_json, processing_time)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		t.VideoID, t.Text, t.WordsJSON, t.SegmentsJSON, t.ProcessingTime).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting transcript: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) CreatePrompt(ctx context.Context, p Prompt) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prompts (kind, model_key, text) VALUES ($1, $2, $3) RETURNING id`,
		p.Kind, p.ModelKey, p.Text).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting prompt: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) CreateGenerationConfig(ctx context.Context, g GenerationConfig) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO generation_configs (model_key, prompt_id, params_json)
		 VALUES ($1, $2, $3) RETURNING id`,
		g.ModelKey, g.PromptID, g.ParamsJSON).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting generation config: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) CreateMoments(ctx context.Context, moments []Moment) ([]int64, error) {
	if len(moments) == 0 {
		return nil, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning moment insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]int64, len(moments))
	for i, m := range moments {
		err := tx.QueryRow(ctx,
			`INSERT INTO moments (video_id, gen_config_id, identifier, title, start_time, end_time, is_refined, parent_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (identifier) DO UPDATE SET identifier = EXCLUDED.identifier
			 RETURNING id`,
			m.VideoID, m.GenConfigID, m.Identifier, m.Title, m.StartTime, m.EndTime, m.IsRefined, m.ParentID).
			Scan(&ids[i])
		if err != nil {
			return nil, fmt.Errorf("inserting moment %s: %w", m.Identifier, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing moment insert: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) CreateClip(ctx context.Context, c Clip) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO clips (moment_id, object_key, cloud_url, pad_left, pad_right)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (moment_id) DO UPDATE SET cloud_url = EXCLUDED.cloud_url
		 RETURNING id`,
		c.MomentID, c.ObjectKey, c.CloudURL, c.PadLeft, c.PadRight).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting clip for moment %d: %w", c.MomentID, err)
	}
	return id, nil
}

func (s *PostgresStore) CreateHistoryEntry(ctx context.Context, h HistoryEntry) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_history (run_id, subject_id, state, error_stage, error_message, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id) DO UPDATE SET state = EXCLUDED.state
		 RETURNING id`,
		h.RunID, h.SubjectID, h.State, h.ErrorStage, h.ErrorMessage, h.StartedAt, h.CompletedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting history entry %s: %w", h.RunID, err)
	}
	return id, nil
}

// isUniqueViolation reports whether the error is a unique-constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
