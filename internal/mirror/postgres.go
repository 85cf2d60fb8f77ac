package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfman30/clinic-agenda/internal/appointments"
	"github.com/wolfman30/clinic-agenda/internal/clinictime"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the mirror in the appointments table.
type PostgresStore struct {
	db    querier
	clock *clinictime.Normalizer
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes a store backed by pgxpool.
func NewPostgresStore(pool *pgxpool.Pool, clock *clinictime.Normalizer) *PostgresStore {
	if pool == nil {
		panic("mirror: pgx pool required")
	}
	return newPostgresStoreWithExec(pool, clock)
}

func newPostgresStoreWithExec(db querier, clock *clinictime.Normalizer) *PostgresStore {
	if db == nil {
		panic("mirror: exec required")
	}
	if clock == nil {
		panic("mirror: normalizer required")
	}
	return &PostgresStore{db: db, clock: clock}
}

const selectColumns = `
	SELECT a.id, COALESCE(a.external_id, ''), COALESCE(a.patient_id, ''), COALESCE(a.professional_id, ''),
		a.start_time, a.end_time, to_char(a.calendar_day, 'YYYY-MM-DD'), a.status,
		COALESCE(a.title, ''), COALESCE(a.notes, ''), COALESCE(a.metadata, '{}'::jsonb),
		a.synced_at, COALESCE(a.sync_error, ''), COALESCE(p.name, ''), COALESCE(p.phone, ''),
		a.created_at, a.updated_at
	FROM appointments a
	LEFT JOIN patients p ON p.id = a.patient_id
`

// Upsert inserts or replaces the row keyed by id.
func (s *PostgresStore) Upsert(ctx context.Context, appt appointments.Appointment) (*appointments.Appointment, error) {
	if err := validateRecord(appt); err != nil {
		return nil, writeErr("upsert", appt.ID, err)
	}
	meta, err := encodeMetadata(appt.Metadata)
	if err != nil {
		return nil, writeErr("upsert", appt.ID, err)
	}
	query := `
		INSERT INTO appointments (id, external_id, patient_id, professional_id, start_time, end_time,
			calendar_day, status, title, notes, metadata, synced_at, sync_error)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7::date, $8, $9, $10, $11, $12, NULLIF($13, ''))
		ON CONFLICT (id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			patient_id = EXCLUDED.patient_id,
			professional_id = EXCLUDED.professional_id,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			calendar_day = EXCLUDED.calendar_day,
			status = EXCLUDED.status,
			title = EXCLUDED.title,
			notes = EXCLUDED.notes,
			metadata = EXCLUDED.metadata,
			synced_at = EXCLUDED.synced_at,
			sync_error = EXCLUDED.sync_error,
			updated_at = now()
		RETURNING created_at, updated_at
	`
	out := appt.Clone()
	if err := s.db.QueryRow(ctx, query,
		appt.ID,
		appt.ExternalID,
		appt.PatientID,
		appt.ProfessionalID,
		nullTime(appt.StartInstant),
		nullTime(appt.EndInstant),
		nullString(appt.CalendarDay),
		string(appt.Status),
		appt.Title,
		appt.Notes,
		meta,
		timePtr(appt.SyncedAt),
		appt.SyncError,
	).Scan(&out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, writeErr("upsert", appt.ID, translate(err))
	}
	return &out, nil
}

// Update applies patch to the row with id.
func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) (*appointments.Appointment, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, writeErr("update", id, err)
	}
	patch.Apply(current)
	if err := validateRecord(*current); err != nil {
		return nil, writeErr("update", id, err)
	}
	meta, err := encodeMetadata(current.Metadata)
	if err != nil {
		return nil, writeErr("update", id, err)
	}
	query := `
		UPDATE appointments
		SET external_id = NULLIF($2, ''), patient_id = NULLIF($3, ''), professional_id = NULLIF($4, ''),
			start_time = $5, end_time = $6, calendar_day = $7::date, status = $8, title = $9, notes = $10,
			metadata = $11, synced_at = $12, sync_error = NULLIF($13, ''), updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	if err := s.db.QueryRow(ctx, query,
		id,
		current.ExternalID,
		current.PatientID,
		current.ProfessionalID,
		nullTime(current.StartInstant),
		nullTime(current.EndInstant),
		nullString(current.CalendarDay),
		string(current.Status),
		current.Title,
		current.Notes,
		meta,
		timePtr(current.SyncedAt),
		current.SyncError,
	).Scan(&current.UpdatedAt); err != nil {
		return nil, writeErr("update", id, translate(err))
	}
	return current, nil
}

// Delete hard-deletes the row.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ct, err := s.db.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return writeErr("delete", id, err)
	}
	if ct.RowsAffected() == 0 {
		return writeErr("delete", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*appointments.Appointment, error) {
	row := s.db.QueryRow(ctx, selectColumns+` WHERE a.id = $1`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("mirror: get %s: %w", id, translate(err))
	}
	return appt, nil
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*appointments.Appointment, error) {
	row := s.db.QueryRow(ctx, selectColumns+` WHERE a.external_id = $1`, externalID)
	appt, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("mirror: get external %s: %w", externalID, translate(err))
	}
	return appt, nil
}

// ListRange returns rows starting in [q.Start, q.End). Date-only rows are
// matched by calendar day. Rows without a professional are never filtered out.
func (s *PostgresStore) ListRange(ctx context.Context, q RangeQuery) ([]appointments.Appointment, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	fromDay, toDay := s.clock.DayRange(q.Start, q.End)
	var professionals []string
	if len(q.Professionals) > 0 {
		professionals = q.Professionals
	}
	query := selectColumns + `
		WHERE ((a.start_time >= $1 AND a.start_time < $2)
			OR (a.start_time IS NULL AND a.calendar_day >= $3::date AND a.calendar_day < $4::date))
		AND ($5::text[] IS NULL OR a.professional_id IS NULL OR a.professional_id = ANY($5))
		ORDER BY a.start_time NULLS FIRST, a.calendar_day, a.id
	`
	rows, err := s.db.Query(ctx, query, q.Start.UTC(), q.End.UTC(), fromDay, toDay, professionals)
	if err != nil {
		return nil, fmt.Errorf("mirror: list range: %w", err)
	}
	defer rows.Close()

	var out []appointments.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("mirror: scan appointment: %w", err)
		}
		out = append(out, *appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mirror: list range: %w", err)
	}
	sortByStart(s.clock, out)
	return out, nil
}

func scanAppointment(row pgx.Row) (*appointments.Appointment, error) {
	var (
		appt        appointments.Appointment
		start, end  sql.NullTime
		calendarDay sql.NullString
		status      string
		meta        []byte
		syncedAt    sql.NullTime
	)
	if err := row.Scan(
		&appt.ID, &appt.ExternalID, &appt.PatientID, &appt.ProfessionalID,
		&start, &end, &calendarDay, &status,
		&appt.Title, &appt.Notes, &meta,
		&syncedAt, &appt.SyncError, &appt.PatientName, &appt.PatientPhone,
		&appt.CreatedAt, &appt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if start.Valid {
		appt.StartInstant = start.Time.UTC()
	}
	if end.Valid {
		appt.EndInstant = end.Time.UTC()
	}
	if calendarDay.Valid {
		appt.CalendarDay = calendarDay.String
	}
	appt.Status = appointments.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &appt.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if len(appt.Metadata) == 0 {
			appt.Metadata = nil
		}
	}
	if syncedAt.Valid {
		t := syncedAt.Time.UTC()
		appt.SyncedAt = &t
	}
	return &appt, nil
}

func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func encodeMetadata(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// sortByStart orders records by resolved start then id. Unresolvable records
// sort first so callers see them.
func sortByStart(clock *clinictime.Normalizer, list []appointments.Appointment) {
	keys := make(map[string]time.Time, len(list))
	for _, a := range list {
		if t, err := clock.NormalizeRecord(a); err == nil {
			keys[a.ID] = t
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		ti, tj := keys[list[i].ID], keys[list[j].ID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return list[i].ID < list[j].ID
	})
}
