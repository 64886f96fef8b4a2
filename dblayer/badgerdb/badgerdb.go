// Package badgerdb implements dblayer.Store on an embedded badger database.
//
// Atomicity comes from badger's serializable transactions: every
// read-check-write runs in a single update transaction, and a transaction
// that loses a conflict is retried against the new state.
package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"medtracker/dblayer"
	"medtracker/dbtypes"

	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
)

// maxConflictRetries bounds how often a conflicting transaction is re-run.
const maxConflictRetries = 10

var errClosed = errors.New("badger store is closed")

// Options configures Open.
type Options struct {
	// Dir holds the database files.  Required.
	Dir string

	SyncWrites bool

	// Logger receives badger's internal logging.  Defaults to slog.Default().
	Logger *slog.Logger
}

// DB is a dblayer.Store backed by badger.
type DB struct {
	db     *badger.DB
	closed atomic.Bool
}

var _ dblayer.Store = (*DB)(nil)

// slogLogger adapts slog onto badger's Logger interface.
type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (creating if necessary) the badger database in opts.Dir.
func Open(opts Options) (*DB, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("badger directory must not be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bopts := badger.DefaultOptions(opts.Dir).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(&slogLogger{logger: logger.With(slog.String("component", "badger"))})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("while opening badger database in %q: %w", opts.Dir, err)
	}
	return &DB{db: db}, nil
}

func (s *DB) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *DB) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return errClosed
	}
	return nil
}

// update runs fn in a read-write transaction, re-running it when badger
// reports a conflict with a concurrently committed transaction.
func (s *DB) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return errClosed
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return err
	}
}

func (s *DB) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return errClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// getJSON loads the value at key into out.  Returns dblayer.ErrNotFound if
// the key is absent.
func getJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return dblayer.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("while reading key: %w", err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return fmt.Errorf("while copying value: %w", err)
	}
	if err := json.Unmarshal(val, out); err != nil {
		return fmt.Errorf("while unmarshaling value: %w", err)
	}
	return nil
}

func setJSON(txn *badger.Txn, key []byte, in interface{}) error {
	val, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("while marshaling value: %w", err)
	}
	if err := txn.Set(key, val); err != nil {
		return fmt.Errorf("while writing key: %w", err)
	}
	return nil
}

// scanPrefix calls fn with the key and value of every entry under prefix, in
// key order, starting at seek.
func scanPrefix(txn *badger.Txn, prefix, seek []byte, fn func(key, val []byte) (bool, error)) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("while copying value: %w", err)
		}
		more, err := fn(item.KeyCopy(nil), val)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

func (s *DB) GetUser(ctx context.Context, userID string) (*dbtypes.User, error) {
	user := &dbtypes.User{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, userKey(userID), user)
	})
	if err != nil {
		return nil, fmt.Errorf("while getting user %s: %w", userID, err)
	}
	return user, nil
}

func (s *DB) PutUser(ctx context.Context, user *dbtypes.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, userKey(user.ID), user)
	})
	if err != nil {
		return fmt.Errorf("while putting user %s: %w", user.ID, err)
	}
	return nil
}

func (s *DB) AddMedication(ctx context.Context, userID string, med *dbtypes.Medication) (string, error) {
	if err := med.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	err := s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(medicationRxcuiKey(userID, med.Rxcui))
		if err == nil {
			return dblayer.ErrMedicationAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("while checking rxcui index: %w", err)
		}

		stored := *med
		stored.ID = id
		if err := setJSON(txn, medicationKey(userID, id), &stored); err != nil {
			return err
		}
		return txn.Set(medicationRxcuiKey(userID, med.Rxcui), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("while adding medication %s: %w", med.Rxcui, err)
	}

	med.ID = id
	return id, nil
}

func (s *DB) GetMedication(ctx context.Context, userID, medicationID string) (*dbtypes.Medication, error) {
	med := &dbtypes.Medication{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, medicationKey(userID, medicationID), med)
	})
	if err != nil {
		return nil, fmt.Errorf("while getting medication %s: %w", medicationID, err)
	}
	return med, nil
}

func (s *DB) ListMedications(ctx context.Context, userID string) ([]*dbtypes.Medication, error) {
	var meds []*dbtypes.Medication
	prefix := userPrefix(keyTypeMedication, userID)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, prefix, func(_, val []byte) (bool, error) {
			med := &dbtypes.Medication{}
			if err := json.Unmarshal(val, med); err != nil {
				return false, fmt.Errorf("while unmarshaling medication: %w", err)
			}
			meds = append(meds, med)
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("while listing medications: %w", err)
	}
	return meds, nil
}

func (s *DB) UpdateMedication(ctx context.Context, userID string, med *dbtypes.Medication) error {
	if err := med.Validate(); err != nil {
		return err
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		old := &dbtypes.Medication{}
		if err := getJSON(txn, medicationKey(userID, med.ID), old); err != nil {
			return err
		}

		if old.Rxcui != med.Rxcui {
			_, err := txn.Get(medicationRxcuiKey(userID, med.Rxcui))
			if err == nil {
				return dblayer.ErrMedicationAlreadyExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("while checking rxcui index: %w", err)
			}
			if err := txn.Delete(medicationRxcuiKey(userID, old.Rxcui)); err != nil {
				return fmt.Errorf("while deleting old rxcui index entry: %w", err)
			}
			if err := txn.Set(medicationRxcuiKey(userID, med.Rxcui), []byte(med.ID)); err != nil {
				return fmt.Errorf("while writing rxcui index entry: %w", err)
			}
		}

		return setJSON(txn, medicationKey(userID, med.ID), med)
	})
	if err != nil {
		return fmt.Errorf("while updating medication %s: %w", med.ID, err)
	}
	return nil
}

func (s *DB) DeleteMedication(ctx context.Context, userID, medicationID string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		med := &dbtypes.Medication{}
		if err := getJSON(txn, medicationKey(userID, medicationID), med); err != nil {
			return err
		}
		if err := txn.Delete(medicationRxcuiKey(userID, med.Rxcui)); err != nil {
			return fmt.Errorf("while deleting rxcui index entry: %w", err)
		}
		return txn.Delete(medicationKey(userID, medicationID))
	})
	if err != nil {
		return fmt.Errorf("while deleting medication %s: %w", medicationID, err)
	}
	return nil
}

func (s *DB) AddNotifications(ctx context.Context, userID, medicationID string, notifications []dbtypes.Notification) error {
	for i := range notifications {
		if err := notifications[i].Validate(); err != nil {
			return err
		}
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		alarm := &dbtypes.MedicationAlarm{}
		err := getJSON(txn, alarmKey(userID, medicationID), alarm)
		if errors.Is(err, dblayer.ErrNotFound) {
			alarm = &dbtypes.MedicationAlarm{ID: medicationID, MedicationID: medicationID}
		} else if err != nil {
			return err
		}

		alarm.Notifications = unionNotifications(alarm.Notifications, notifications)
		return setJSON(txn, alarmKey(userID, medicationID), alarm)
	})
	if err != nil {
		return fmt.Errorf("while adding notifications to alarm %s: %w", medicationID, err)
	}
	return nil
}

func unionNotifications(have, add []dbtypes.Notification) []dbtypes.Notification {
	seen := map[string]bool{}
	for _, n := range have {
		seen[n.ID] = true
	}
	for _, n := range add {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		have = append(have, n)
	}
	return have
}

func (s *DB) listAlarms(txn *badger.Txn, userID string) ([]*dbtypes.MedicationAlarm, error) {
	var alarms []*dbtypes.MedicationAlarm
	prefix := userPrefix(keyTypeAlarm, userID)
	err := scanPrefix(txn, prefix, prefix, func(_, val []byte) (bool, error) {
		alarm := &dbtypes.MedicationAlarm{}
		if err := json.Unmarshal(val, alarm); err != nil {
			return false, fmt.Errorf("while unmarshaling alarm: %w", err)
		}
		alarms = append(alarms, alarm)
		return true, nil
	})
	return alarms, err
}

func (s *DB) ListAlarms(ctx context.Context, userID string) ([]*dbtypes.MedicationAlarm, error) {
	var alarms []*dbtypes.MedicationAlarm
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		alarms, err = s.listAlarms(txn, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while listing alarms: %w", err)
	}
	return alarms, nil
}

func (s *DB) NotificationsBetween(ctx context.Context, userID string, fromMillis, toMillis int64) ([]dbtypes.Notification, error) {
	alarms, err := s.ListAlarms(ctx, userID)
	if err != nil {
		return nil, err
	}

	var matches []dbtypes.Notification
	for _, alarm := range alarms {
		for _, n := range alarm.Notifications {
			if n.Trigger >= fromMillis && n.Trigger <= toMillis {
				matches = append(matches, n)
			}
		}
	}
	return matches, nil
}

func (s *DB) RemoveNotification(ctx context.Context, userID, notificationID string) (bool, error) {
	removed := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		removed = false

		alarms, err := s.listAlarms(txn, userID)
		if err != nil {
			return err
		}

		for _, alarm := range alarms {
			idx := -1
			for i, n := range alarm.Notifications {
				if n.ID == notificationID {
					idx = i
					break
				}
			}
			if idx < 0 {
				continue
			}

			alarm.Notifications = append(alarm.Notifications[:idx], alarm.Notifications[idx+1:]...)
			removed = true
			return setJSON(txn, alarmKey(userID, alarm.ID), alarm)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("while removing notification %s: %w", notificationID, err)
	}
	return removed, nil
}

func (s *DB) CreateIntake(ctx context.Context, userID string, intake *dbtypes.MedicationIntake) error {
	if err := intake.Validate(); err != nil {
		return err
	}

	key := intakeKey(userID, intake.DayStatus, intake.Rxcui)
	stored := *intake
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return dblayer.ErrIntakeExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("while checking for existing intake: %w", err)
		}
		return setJSON(txn, key, &stored)
	})
	if err != nil {
		return fmt.Errorf("while creating intake for %s on day %d: %w", intake.Rxcui, intake.DayStatus, err)
	}

	intake.ID = stored.ID
	return nil
}

func (s *DB) ListIntakes(ctx context.Context, userID string, fromDay, toDay int64) ([]*dbtypes.MedicationIntake, error) {
	var intakes []*dbtypes.MedicationIntake
	prefix := userPrefix(keyTypeIntake, userID)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, intakeDayPrefix(userID, fromDay), func(key, val []byte) (bool, error) {
			day, err := dayFromIntakeKey(userID, key)
			if err != nil {
				return false, err
			}
			if day > toDay {
				return false, nil
			}

			intake := &dbtypes.MedicationIntake{}
			if err := json.Unmarshal(val, intake); err != nil {
				return false, fmt.Errorf("while unmarshaling intake: %w", err)
			}
			intakes = append(intakes, intake)
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("while listing intakes: %w", err)
	}
	return intakes, nil
}
