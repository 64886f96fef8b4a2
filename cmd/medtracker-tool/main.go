// medtracker-tool is an operator utility for inspecting and repairing a
// user's adherence data directly against the store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"medtracker/adherence"
	"medtracker/backend"
	"medtracker/daynum"
	"medtracker/dbtypes"
	"medtracker/export"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	googleopt "google.golang.org/api/option"
)

var cmdRoot = &cobra.Command{
	Use:          "medtracker-tool",
	SilenceUsage: true,
}

var (
	cfg    = &backend.Config{}
	userID string
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&cfg.Store, "backend", backend.StoreFirestore, "Store backend: firestore, badger, or postgres.")
	cmdRoot.PersistentFlags().StringVar(&cfg.DataProject, "data-project", "", "GCP project that contains the application state.")
	cmdRoot.PersistentFlags().StringVar(&cfg.BadgerDir, "badger-dir", "", "Directory for the badger store.")
	cmdRoot.PersistentFlags().StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "Connection string for the postgres store.")
	cmdRoot.PersistentFlags().StringVar(&cfg.Delivery, "delivery", backend.DeliveryLog, "Reminder delivery layer: log or sendgrid.")
	cmdRoot.PersistentFlags().StringVar(&cfg.SendGridKeySecret, "sendgrid-key-secret", "", "GCP Secret Manager secret name that contains the Sendgrid API key")
	cmdRoot.PersistentFlags().StringVar(&userID, "user", "", "User to operate on.")
}

// withEngine opens the configured backends, runs fn, and closes the store.
func withEngine(fn func(ctx context.Context, engine *adherence.Engine) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := backend.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("while opening store: %w", err)
	}
	defer store.Close()

	dl, err := backend.OpenDelivery(ctx, cfg)
	if err != nil {
		return fmt.Errorf("while opening delivery layer: %w", err)
	}

	return fn(ctx, adherence.New(store, dl, adherence.WithScheduler(dl)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDay accepts a day number or a YYYY-MM-DD date.  Empty means today.
func parseDay(s string) (daynum.Day, error) {
	if s == "" {
		return daynum.FromTime(time.Now()), nil
	}
	return daynum.ParseDayOrDate(s)
}

var dueAt string

var cmdDue = &cobra.Command{
	Use:   "due",
	Short: "List the notifications due today.",
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		if dueAt != "" {
			var err error
			now, err = time.Parse(time.RFC3339, dueAt)
			if err != nil {
				return fmt.Errorf("while parsing --at: %w", err)
			}
		}

		return withEngine(func(ctx context.Context, engine *adherence.Engine) error {
			items, err := engine.DueToday(ctx, userID, now)
			if err != nil {
				return fmt.Errorf("while building due set: %w", err)
			}
			return printJSON(items)
		})
	},
}

var (
	recordRxcui        string
	recordStatus       string
	recordTimestamp    int64
	recordNotification string
	recordDay          string
)

var cmdRecord = &cobra.Command{
	Use:   "record",
	Short: "Record a taken or missed response.",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := dbtypes.ParseIntakeStatus(recordStatus)
		if err != nil {
			return err
		}

		req := adherence.IntakeRequest{
			UserID:         userID,
			Rxcui:          recordRxcui,
			Timestamp:      recordTimestamp,
			Status:         status,
			NotificationID: recordNotification,
		}
		if req.Timestamp == 0 {
			req.Timestamp = time.Now().UnixMilli()
		}
		if recordDay != "" {
			day, err := daynum.ParseDayOrDate(recordDay)
			if err != nil {
				return err
			}
			d := int64(day)
			req.DayOverride = &d
		}

		return withEngine(func(ctx context.Context, engine *adherence.Engine) error {
			if err := engine.RecordIntake(ctx, req); err != nil {
				return fmt.Errorf("while recording intake: %w", err)
			}
			return nil
		})
	},
}

var retireNotification string

var cmdRetire = &cobra.Command{
	Use:   "retire",
	Short: "Cancel a pending notification and drop it from its alarm.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, engine *adherence.Engine) error {
			if err := engine.RetireNotification(ctx, userID, retireNotification); err != nil {
				return fmt.Errorf("while retiring notification: %w", err)
			}
			return nil
		})
	},
}

var statsDay string

var cmdStats = &cobra.Command{
	Use:   "stats",
	Short: "Print the 7-day adherence window ending on --day.",
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := parseDay(statsDay)
		if err != nil {
			return err
		}

		return withEngine(func(ctx context.Context, engine *adherence.Engine) error {
			stats, err := engine.WeeklyStats(ctx, userID, day)
			if err != nil {
				return fmt.Errorf("while computing weekly stats: %w", err)
			}
			return printJSON(stats)
		})
	},
}

var (
	backfillDays int
	backfillSeed uint64
)

var cmdBackfill = &cobra.Command{
	Use:   "backfill",
	Short: "Fill the days before today with synthetic intakes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := adherence.BackfillOptions{Days: backfillDays}
		if cmd.Flags().Changed("seed") {
			opts.Rand = rand.New(rand.NewPCG(backfillSeed, 0))
		}

		return withEngine(func(ctx context.Context, engine *adherence.Engine) error {
			n, err := engine.GenerateBackfillData(ctx, userID, opts)
			if err != nil {
				return fmt.Errorf("while generating backfill data: %w", err)
			}
			slog.InfoContext(ctx, "Backfill complete", slog.String("user", userID), slog.Int("intakes", n))
			return nil
		})
	},
}

var (
	exportDay    string
	exportBucket string
	exportRead   bool
)

var cmdExportStats = &cobra.Command{
	Use:   "export-stats",
	Short: "Write the weekly stats snapshot for --day to GCS, or print it with --read.",
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := parseDay(exportDay)
		if err != nil {
			return err
		}

		return withEngine(func(ctx context.Context, engine *adherence.Engine) error {
			gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
			if err != nil {
				return fmt.Errorf("while creating GCS client: %w", err)
			}
			defer gcs.Close()

			exporter := export.New(gcs, exportBucket)
			if exportRead {
				stats, err := exporter.Get(ctx, userID, day)
				if err != nil {
					return fmt.Errorf("while reading snapshot: %w", err)
				}
				return printJSON(stats)
			}

			stats, err := engine.WeeklyStats(ctx, userID, day)
			if err != nil {
				return fmt.Errorf("while computing weekly stats: %w", err)
			}

			name, created, err := exporter.Export(ctx, userID, stats)
			if err != nil {
				return fmt.Errorf("while exporting stats: %w", err)
			}
			slog.InfoContext(ctx, "Exported stats", slog.String("object", name), slog.Bool("created", created))
			return nil
		})
	},
}

var cmdMedications = &cobra.Command{
	Use: "medications [command]",
}

var (
	medRxcui      string
	medName       string
	medStrength   string
	medRoute      string
	medStart      string
	medEnd        string
	medDaysOfWeek []int
	medIntakeTime string
)

var cmdMedicationsAdd = &cobra.Command{
	Use: "add",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := daynum.Parse(medStart)
		if err != nil {
			return fmt.Errorf("while parsing --start: %w", err)
		}
		intakeTime, err := time.Parse("15:04", medIntakeTime)
		if err != nil {
			return fmt.Errorf("while parsing --intake-time: %w", err)
		}

		med := &dbtypes.Medication{
			Rxcui:       medRxcui,
			NameDisplay: medName,
			Strength:    medStrength,
			Route:       medRoute,
			StartDate:   start.Start(),
			DaysOfWeek:  medDaysOfWeek,
			IntakeTime:  dbtypes.TimeOfDay{Hour: intakeTime.Hour(), Minute: intakeTime.Minute()},
		}
		if medEnd != "" {
			end, err := daynum.Parse(medEnd)
			if err != nil {
				return fmt.Errorf("while parsing --end: %w", err)
			}
			endTime := end.Start()
			med.EndDate = &endTime
		}

		return withEngine(func(ctx context.Context, engine *adherence.Engine) error {
			id, err := engine.AddMedication(ctx, userID, med)
			if err != nil {
				return fmt.Errorf("while adding medication: %w", err)
			}
			fmt.Println(id)
			return nil
		})
	},
}

var cmdMedicationsList = &cobra.Command{
	Use: "list",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, engine *adherence.Engine) error {
			meds, err := engine.ListMedications(ctx, userID)
			if err != nil {
				return fmt.Errorf("while listing medications: %w", err)
			}
			return printJSON(meds)
		})
	},
}

func init() {
	cmdDue.Flags().StringVar(&dueAt, "at", "", "RFC 3339 time to evaluate at.  Defaults to now.")

	cmdRecord.Flags().StringVar(&recordRxcui, "rxcui", "", "")
	cmdRecord.Flags().StringVar(&recordStatus, "status", string(dbtypes.StatusTaken), "taken or missed")
	cmdRecord.Flags().Int64Var(&recordTimestamp, "timestamp", 0, "Epoch milliseconds of the response.  Defaults to now.")
	cmdRecord.Flags().StringVar(&recordNotification, "notification", "", "Notification being answered.")
	cmdRecord.Flags().StringVar(&recordDay, "day", "", "Day number or YYYY-MM-DD to record against.")

	cmdRetire.Flags().StringVar(&retireNotification, "notification", "", "")

	cmdStats.Flags().StringVar(&statsDay, "day", "", "Day number or YYYY-MM-DD.  Defaults to today.")

	cmdBackfill.Flags().IntVar(&backfillDays, "days", adherence.DefaultBackfillDays, "")
	cmdBackfill.Flags().Uint64Var(&backfillSeed, "seed", 0, "")

	cmdExportStats.Flags().StringVar(&exportDay, "day", "", "Day number or YYYY-MM-DD.  Defaults to today.")
	cmdExportStats.Flags().StringVar(&exportBucket, "bucket", "", "GCS bucket for snapshots.")
	cmdExportStats.Flags().BoolVar(&exportRead, "read", false, "Print the stored snapshot instead of writing one.")

	cmdMedicationsAdd.Flags().StringVar(&medRxcui, "rxcui", "", "")
	cmdMedicationsAdd.Flags().StringVar(&medName, "name", "", "")
	cmdMedicationsAdd.Flags().StringVar(&medStrength, "strength", "", "")
	cmdMedicationsAdd.Flags().StringVar(&medRoute, "route", "", "")
	cmdMedicationsAdd.Flags().StringVar(&medStart, "start", "", "YYYY-MM-DD")
	cmdMedicationsAdd.Flags().StringVar(&medEnd, "end", "", "YYYY-MM-DD")
	cmdMedicationsAdd.Flags().IntSliceVar(&medDaysOfWeek, "days-of-week", []int{0, 1, 2, 3, 4, 5, 6}, "Weekday indices, Sunday=0.")
	cmdMedicationsAdd.Flags().StringVar(&medIntakeTime, "intake-time", "08:00", "UTC HH:MM")
}

func main() {
	cmdRoot.AddCommand(cmdDue, cmdRecord, cmdRetire, cmdStats, cmdBackfill, cmdExportStats, cmdMedications)
	cmdMedications.AddCommand(cmdMedicationsAdd, cmdMedicationsList)

	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}
