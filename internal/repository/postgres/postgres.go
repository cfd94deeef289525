package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.SampleRepository = (*Repository)(nil)

const sampleColumns = `id,
		install_id,
		schema_version,
		app_version,
		os,
		agent_status,
		agent_ping_ms,
		license_tier,
		license_offline,
		reported_cohort,
		cohort,
		crash_count,
		safe_mode,
		crash_signature,
		batch_id,
		batch_size,
		sample_time,
		received_at`

// InsertSample persists a sanitized telemetry sample.
func (r *Repository) InsertSample(ctx context.Context, sample *domain.Sample) error {
	if sample == nil {
		return fmt.Errorf("telemetry sample required")
	}
	const query = `INSERT INTO telemetry_samples (` + sampleColumns + `) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,COALESCE($18, NOW())
	) RETURNING received_at`
	var received time.Time
	err := r.pool.QueryRow(ctx, query,
		sample.ID,
		sample.InstallID,
		sample.SchemaVersion,
		sample.AppVersion,
		sample.OS,
		sample.AgentStatus,
		intPtrToNil(sample.AgentPingMs),
		sample.LicenseTier,
		sample.LicenseOffline,
		nilIfEmpty(sample.ReportedCohort),
		sample.Cohort,
		sample.CrashCount,
		sample.SafeMode,
		nilIfEmpty(sample.CrashSignature),
		nilIfEmpty(sample.BatchID),
		intToNil(sample.BatchSize),
		sample.SampleTime.UTC(),
		nilTime(sample.ReceivedAt),
	).Scan(&received)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23514", "22P02", "22001":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	sample.ReceivedAt = received
	return nil
}

// ListSamplesSince returns samples received at or after since, oldest first.
func (r *Repository) ListSamplesSince(ctx context.Context, since time.Time) ([]domain.Sample, error) {
	const query = `SELECT ` + sampleColumns + `
	FROM telemetry_samples
	WHERE received_at >= $1
	ORDER BY received_at ASC`
	rows, err := r.pool.Query(ctx, query, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	samples := make([]domain.Sample, 0)
	for rows.Next() {
		var (
			s              domain.Sample
			ping           sql.NullInt32
			reportedCohort sql.NullString
			signature      sql.NullString
			batchID        sql.NullString
			batchSize      sql.NullInt32
		)
		if err := rows.Scan(
			&s.ID,
			&s.InstallID,
			&s.SchemaVersion,
			&s.AppVersion,
			&s.OS,
			&s.AgentStatus,
			&ping,
			&s.LicenseTier,
			&s.LicenseOffline,
			&reportedCohort,
			&s.Cohort,
			&s.CrashCount,
			&s.SafeMode,
			&signature,
			&batchID,
			&batchSize,
			&s.SampleTime,
			&s.ReceivedAt,
		); err != nil {
			return nil, err
		}
		if ping.Valid {
			value := int(ping.Int32)
			s.AgentPingMs = &value
		}
		s.ReportedCohort = reportedCohort.String
		s.CrashSignature = signature.String
		s.BatchID = batchID.String
		if batchSize.Valid {
			s.BatchSize = int(batchSize.Int32)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// DeleteSamplesBefore removes samples received before cutoff.
func (r *Repository) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM telemetry_samples WHERE received_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountSamples returns the number of stored samples.
func (r *Repository) CountSamples(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM telemetry_samples`
	var count int64
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intToNil(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
