// Package backend opens the store and delivery layer named by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"medtracker/dblayer"
	"medtracker/dblayer/badgerdb"
	"medtracker/dblayer/firestoredb"
	"medtracker/dblayer/pgdb"
	"medtracker/delivery"

	"cloud.google.com/go/firestore"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

const (
	StoreFirestore = "firestore"
	StoreBadger    = "badger"
	StorePostgres  = "postgres"

	DeliveryLog      = "log"
	DeliverySendGrid = "sendgrid"
)

type Config struct {
	// One of StoreFirestore, StoreBadger, StorePostgres.
	Store string

	// GCP project holding Firestore and Secret Manager secrets.
	DataProject string

	BadgerDir   string
	PostgresDSN string

	// One of DeliveryLog, DeliverySendGrid.
	Delivery string

	// Secret Manager secret holding the SendGrid API key.
	SendGridKeySecret string
}

// OpenStore opens the configured store.  The caller closes it.
func OpenStore(ctx context.Context, cfg *Config) (dblayer.Store, error) {
	switch cfg.Store {
	case StoreFirestore:
		if cfg.DataProject == "" {
			return nil, fmt.Errorf("firestore store requires a data project")
		}
		fstore, err := firestore.NewClient(ctx, cfg.DataProject)
		if err != nil {
			return nil, fmt.Errorf("while creating Firestore client: %w", err)
		}
		return firestoredb.New(fstore), nil

	case StoreBadger:
		db, err := badgerdb.Open(badgerdb.Options{
			Dir:        cfg.BadgerDir,
			SyncWrites: true,
		})
		if err != nil {
			return nil, fmt.Errorf("while opening badger store: %w", err)
		}
		return db, nil

	case StorePostgres:
		db, err := pgdb.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("while opening postgres store: %w", err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// Delivery is a delivery layer that can both schedule and cancel.
type Delivery interface {
	delivery.Scheduler
	delivery.Canceller
}

// OpenDelivery returns the configured delivery layer.
func OpenDelivery(ctx context.Context, cfg *Config) (Delivery, error) {
	switch cfg.Delivery {
	case DeliveryLog, "":
		return delivery.LogOnly{}, nil

	case DeliverySendGrid:
		key, err := AccessSecret(ctx, cfg.DataProject, cfg.SendGridKeySecret)
		if err != nil {
			return nil, fmt.Errorf("while pulling SendGrid API key: %w", err)
		}
		return delivery.NewSendGrid(string(key)), nil
	}
	return nil, fmt.Errorf("unknown delivery layer %q", cfg.Delivery)
}

// AccessSecret reads the latest version of a Secret Manager secret.
func AccessSecret(ctx context.Context, project, secret string) ([]byte, error) {
	if project == "" || secret == "" {
		return nil, fmt.Errorf("secret access requires both a project and a secret name")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	slog.InfoContext(ctx, "Pulled secret", slog.String("secret", secret))
	return resp.GetPayload().GetData(), nil
}
