package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	accountdomain "github.com/smallbiznis/leadclaim/internal/account/domain"
	auditdomain "github.com/smallbiznis/leadclaim/internal/audit/domain"
	billingdomain "github.com/smallbiznis/leadclaim/internal/billing/domain"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	reconciliationdomain "github.com/smallbiznis/leadclaim/internal/reconciliation/domain"
	"github.com/smallbiznis/leadclaim/pkg/db"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Run brings the schema up to date. Postgres uses the versioned SQL files; the other
// dialects are schema-synced from the models.
func Run(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if conn.Dialector.Name() == db.TypePostgres {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	return AutoMigrate(conn)
}

// RunMigrations applies the embedded SQL migrations to a Postgres database.
func RunMigrations(sqlDB *sql.DB) error {
	if sqlDB == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate syncs the schema from the models. SQLite also gets the partial unique index
// that keeps one active claim per case; MySQL has no partial indexes and relies on the case lock.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&claimdomain.Case{},
		&claimdomain.Claim{},
		&accountdomain.BillingAccount{},
		&billingdomain.Invoice{},
		&billingdomain.InvoiceLine{},
		&reconciliationdomain.WebhookEvent{},
		&auditdomain.AuditLog{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if conn.Dialector.Name() == db.TypeSQLite {
		if err := conn.Exec(
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_claims_active_case ON claims (case_id) WHERE active`,
		).Error; err != nil {
			return fmt.Errorf("create active claim index: %w", err)
		}
	}
	return nil
}
