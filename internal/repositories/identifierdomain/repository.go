package identifierdomain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const domainsTable = "identifier_domains"

var domainStruct = database.NewStruct(new(models.IdentifierDomain))

// Repository persists identifier domains. Names are stored upper-cased.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) List(ctx context.Context) ([]models.IdentifierDomain, error) {
	ctx, span := tracing.StartSpan(ctx, "identifierdomain.Repository.List")
	defer span.End()

	sb := domainStruct.SelectFrom(domainsTable)
	sb.OrderBy("name")
	query, args := sb.Build()

	domains := []models.IdentifierDomain{}
	if err := sqlx.SelectContext(ctx, r.db, &domains, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identifier domains")
		return nil, err
	}
	return domains, nil
}

func (r *Repository) Get(ctx context.Context, name string) (*models.IdentifierDomain, error) {
	ctx, span := tracing.StartSpan(ctx, "identifierdomain.Repository.Get")
	defer span.End()

	sb := domainStruct.SelectFrom(domainsTable)
	sb.Where(sb.Equal("name", strings.ToUpper(name)))
	query, args := sb.Build()

	var domain models.IdentifierDomain
	if err := sqlx.GetContext(ctx, r.db, &domain, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("identifier domain %s: %w", name, store.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("domain", name).Error("Failed to get identifier domain")
		return nil, err
	}
	return &domain, nil
}

// Save creates the domain or overwrites its description and uniqueness.
func (r *Repository) Save(ctx context.Context, domain *models.IdentifierDomain) (*models.IdentifierDomain, error) {
	ctx, span := tracing.StartSpan(ctx, "identifierdomain.Repository.Save")
	defer span.End()

	now := time.Now().UTC()
	row := *domain
	row.Name = strings.ToUpper(domain.Name)
	row.CreatedAt = now
	row.UpdatedAt = now

	ib := domainStruct.InsertInto(domainsTable, &row)
	database.OnConflictUpdate(ib, []string{"name"}, "description", "is_unique", "updated_at")
	ib.SQL("RETURNING " + strings.Join(domainStruct.Columns(), ", "))
	query, args := ib.Build()

	var saved models.IdentifierDomain
	if err := sqlx.GetContext(ctx, r.db, &saved, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("domain", row.Name).Error("Failed to save identifier domain")
		return nil, err
	}
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"domain": saved.Name,
		"unique": saved.Unique,
	}).Info("Saved identifier domain")
	return &saved, nil
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	ctx, span := tracing.StartSpan(ctx, "identifierdomain.Repository.Delete")
	defer span.End()

	del := domainStruct.DeleteFrom(domainsTable)
	del.Where(del.Equal("name", strings.ToUpper(name)))
	query, args := del.Build()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("domain", name).Error("Failed to delete identifier domain")
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identifier domain %s: %w", name, store.ErrNotFound)
	}
	return nil
}
