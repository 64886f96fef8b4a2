// Package pgdb implements dblayer.Store on PostgreSQL.
//
// Uniqueness of intakes and medications is enforced by table constraints, so
// concurrent writers need no application-level locking.
package pgdb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"medtracker/daynum"
	"medtracker/dblayer"
	"medtracker/dbtypes"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type DB struct {
	pool *pgxpool.Pool
}

var _ dblayer.Store = (*DB)(nil)

// gooseLogger routes goose's progress output to slog.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...))
}

func (gooseLogger) Printf(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...))
}

// Open connects to dsn and brings the schema up to date.
func Open(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("while parsing postgres DSN: %w", err)
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("while creating connection pool: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &DB{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("while setting migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("while running migrations: %w", err)
	}
	return nil
}

func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (db *DB) GetUser(ctx context.Context, userID string) (*dbtypes.User, error) {
	user := &dbtypes.User{ID: userID}
	err := db.pool.QueryRow(ctx,
		`SELECT email, display_name FROM users WHERE id = $1`,
		userID,
	).Scan(&user.Email, &user.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("while retrieving user %s: %w", userID, dblayer.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving user %s: %w", userID, err)
	}
	return user, nil
}

func (db *DB) PutUser(ctx context.Context, user *dbtypes.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, display_name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, display_name = EXCLUDED.display_name`,
		user.ID, user.Email, user.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("while storing user %s: %w", user.ID, err)
	}
	return nil
}

// toDate normalizes t to midnight UTC of its day so DATE columns round-trip.
func toDate(t time.Time) time.Time {
	return daynum.FromTime(t).Start()
}

func medicationArgs(med *dbtypes.Medication) (time.Time, *time.Time, []int32) {
	var end *time.Time
	if med.EndDate != nil {
		e := toDate(*med.EndDate)
		end = &e
	}
	days := make([]int32, len(med.DaysOfWeek))
	for i, d := range med.DaysOfWeek {
		days[i] = int32(d)
	}
	return toDate(med.StartDate), end, days
}

func (db *DB) AddMedication(ctx context.Context, userID string, med *dbtypes.Medication) (string, error) {
	if err := med.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	start, end, days := medicationArgs(med)
	_, err := db.pool.Exec(ctx,
		`INSERT INTO medications
		   (user_id, id, rxcui, name_display, strength, route, start_date, end_date, days_of_week, intake_hour, intake_minute)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		userID, id, med.Rxcui, med.NameDisplay, med.Strength, med.Route, start, end, days, med.IntakeTime.Hour, med.IntakeTime.Minute,
	)
	if isUniqueViolation(err) {
		return "", fmt.Errorf("while creating medication %s: %w", med.Rxcui, dblayer.ErrMedicationAlreadyExists)
	}
	if err != nil {
		return "", fmt.Errorf("while creating medication %s: %w", med.Rxcui, err)
	}

	med.ID = id
	return id, nil
}

const medicationColumns = `id, rxcui, name_display, strength, route, start_date, end_date, days_of_week, intake_hour, intake_minute`

func scanMedication(row pgx.Row) (*dbtypes.Medication, error) {
	med := &dbtypes.Medication{}
	var days []int32
	err := row.Scan(
		&med.ID, &med.Rxcui, &med.NameDisplay, &med.Strength, &med.Route,
		&med.StartDate, &med.EndDate, &days, &med.IntakeTime.Hour, &med.IntakeTime.Minute,
	)
	if err != nil {
		return nil, err
	}
	med.StartDate = med.StartDate.UTC()
	if med.EndDate != nil {
		e := med.EndDate.UTC()
		med.EndDate = &e
	}
	med.DaysOfWeek = make([]int, len(days))
	for i, d := range days {
		med.DaysOfWeek[i] = int(d)
	}
	return med, nil
}

func (db *DB) GetMedication(ctx context.Context, userID, medicationID string) (*dbtypes.Medication, error) {
	med, err := scanMedication(db.pool.QueryRow(ctx,
		`SELECT `+medicationColumns+` FROM medications WHERE user_id = $1 AND id = $2`,
		userID, medicationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("while retrieving medication %s: %w", medicationID, dblayer.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving medication %s: %w", medicationID, err)
	}
	return med, nil
}

func (db *DB) ListMedications(ctx context.Context, userID string) ([]*dbtypes.Medication, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+medicationColumns+` FROM medications WHERE user_id = $1 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("while listing medications: %w", err)
	}
	defer rows.Close()

	var meds []*dbtypes.Medication
	for rows.Next() {
		med, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("while scanning medication: %w", err)
		}
		meds = append(meds, med)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("while listing medications: %w", err)
	}
	return meds, nil
}

func (db *DB) UpdateMedication(ctx context.Context, userID string, med *dbtypes.Medication) error {
	if err := med.Validate(); err != nil {
		return err
	}

	start, end, days := medicationArgs(med)
	tag, err := db.pool.Exec(ctx,
		`UPDATE medications SET
		   rxcui = $3, name_display = $4, strength = $5, route = $6, start_date = $7,
		   end_date = $8, days_of_week = $9, intake_hour = $10, intake_minute = $11
		 WHERE user_id = $1 AND id = $2`,
		userID, med.ID, med.Rxcui, med.NameDisplay, med.Strength, med.Route, start, end, days, med.IntakeTime.Hour, med.IntakeTime.Minute,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("while updating medication %s: %w", med.ID, dblayer.ErrMedicationAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("while updating medication %s: %w", med.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("while updating medication %s: %w", med.ID, dblayer.ErrNotFound)
	}
	return nil
}

func (db *DB) DeleteMedication(ctx context.Context, userID, medicationID string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM medications WHERE user_id = $1 AND id = $2`,
		userID, medicationID,
	)
	if err != nil {
		return fmt.Errorf("while deleting medication %s: %w", medicationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("while deleting medication %s: %w", medicationID, dblayer.ErrNotFound)
	}
	return nil
}

func (db *DB) AddNotifications(ctx context.Context, userID, medicationID string, notifications []dbtypes.Notification) error {
	for i := range notifications {
		if err := notifications[i].Validate(); err != nil {
			return err
		}
	}

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for _, n := range notifications {
			_, err := tx.Exec(ctx,
				`INSERT INTO alarm_notifications (user_id, id, medication_id, rxcui, trigger_ms)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (user_id, id) DO NOTHING`,
				userID, n.ID, medicationID, n.Rxcui, n.Trigger,
			)
			if err != nil {
				return fmt.Errorf("while inserting notification %s: %w", n.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("while adding notifications to alarm %s: %w", medicationID, err)
	}
	return nil
}

func (db *DB) queryNotifications(ctx context.Context, sql string, args ...any) ([]dbtypes.Notification, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []dbtypes.Notification
	for rows.Next() {
		var n dbtypes.Notification
		if err := rows.Scan(&n.ID, &n.MedicationID, &n.Rxcui, &n.Trigger); err != nil {
			return nil, fmt.Errorf("while scanning notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (db *DB) ListAlarms(ctx context.Context, userID string) ([]*dbtypes.MedicationAlarm, error) {
	notifications, err := db.queryNotifications(ctx,
		`SELECT id, medication_id, rxcui, trigger_ms FROM alarm_notifications
		 WHERE user_id = $1 ORDER BY medication_id, trigger_ms, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("while listing alarms: %w", err)
	}

	var alarms []*dbtypes.MedicationAlarm
	for _, n := range notifications {
		if len(alarms) == 0 || alarms[len(alarms)-1].MedicationID != n.MedicationID {
			alarms = append(alarms, &dbtypes.MedicationAlarm{ID: n.MedicationID, MedicationID: n.MedicationID})
		}
		last := alarms[len(alarms)-1]
		last.Notifications = append(last.Notifications, n)
	}
	return alarms, nil
}

func (db *DB) NotificationsBetween(ctx context.Context, userID string, fromMillis, toMillis int64) ([]dbtypes.Notification, error) {
	notifications, err := db.queryNotifications(ctx,
		`SELECT id, medication_id, rxcui, trigger_ms FROM alarm_notifications
		 WHERE user_id = $1 AND trigger_ms BETWEEN $2 AND $3 ORDER BY trigger_ms, id`,
		userID, fromMillis, toMillis,
	)
	if err != nil {
		return nil, fmt.Errorf("while listing notifications in [%d, %d]: %w", fromMillis, toMillis, err)
	}
	return notifications, nil
}

func (db *DB) RemoveNotification(ctx context.Context, userID, notificationID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM alarm_notifications WHERE user_id = $1 AND id = $2`,
		userID, notificationID,
	)
	if err != nil {
		return false, fmt.Errorf("while removing notification %s: %w", notificationID, err)
	}
	return tag.RowsAffected() != 0, nil
}

func (db *DB) CreateIntake(ctx context.Context, userID string, intake *dbtypes.MedicationIntake) error {
	if err := intake.Validate(); err != nil {
		return err
	}

	id := intake.ID
	if id == "" {
		id = uuid.NewString()
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO medication_intakes (user_id, id, rxcui, day_status, status, timestamp_status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, rxcui, day_status) DO NOTHING`,
		userID, id, intake.Rxcui, intake.DayStatus, string(intake.Status), intake.TimestampStatus,
	)
	if err != nil {
		return fmt.Errorf("while creating intake for %s on day %d: %w", intake.Rxcui, intake.DayStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return dblayer.ErrIntakeExists
	}

	intake.ID = id
	return nil
}

func (db *DB) ListIntakes(ctx context.Context, userID string, fromDay, toDay int64) ([]*dbtypes.MedicationIntake, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, rxcui, day_status, status, timestamp_status FROM medication_intakes
		 WHERE user_id = $1 AND day_status BETWEEN $2 AND $3 ORDER BY day_status, rxcui`,
		userID, fromDay, toDay,
	)
	if err != nil {
		return nil, fmt.Errorf("while listing intakes in days [%d, %d]: %w", fromDay, toDay, err)
	}
	defer rows.Close()

	var intakes []*dbtypes.MedicationIntake
	for rows.Next() {
		intake := &dbtypes.MedicationIntake{}
		var status string
		if err := rows.Scan(&intake.ID, &intake.Rxcui, &intake.DayStatus, &status, &intake.TimestampStatus); err != nil {
			return nil, fmt.Errorf("while scanning intake: %w", err)
		}
		intake.Status = dbtypes.IntakeStatus(status)
		intakes = append(intakes, intake)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("while listing intakes in days [%d, %d]: %w", fromDay, toDay, err)
	}
	return intakes, nil
}
