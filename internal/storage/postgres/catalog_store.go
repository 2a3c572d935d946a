package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/logging"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

// CatalogStore lists eligible triples from the procurement catalog table.
type CatalogStore struct {
	pool           Pool
	table          string
	excludedSphere string
	logger         *zap.Logger
}

// NewCatalogStore constructs a CatalogStore reading <schema>.contratacoes_publicas.
func NewCatalogStore(pool Pool, schema, excludedSphere string, logger *zap.Logger) (*CatalogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := qualify(schema, "contratacoes_publicas")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogStore{
		pool:           pool,
		table:          table,
		excludedSphere: excludedSphere,
		logger:         logger,
	}, nil
}

// ListEligibleTriples returns every distinct purchase outside the excluded
// sphere. Rows missing an identifying column are logged and skipped.
func (s *CatalogStore) ListEligibleTriples(ctx context.Context) ([]procurement.EligibilityRecord, error) {
	query := fmt.Sprintf(`
SELECT DISTINCT numero_controle_pncp, orgao_cnpj, sequencial_compra::bigint, ano_compra::bigint
FROM %s
WHERE orgao_esfera_id <> $1`, s.table)

	rows, err := s.pool.Query(ctx, query, s.excludedSphere)
	if err != nil {
		return nil, fmt.Errorf("%w: list eligible triples: %w", classify(err), err)
	}
	defer rows.Close()

	var records []procurement.EligibilityRecord
	for rows.Next() {
		var (
			controlID, orgID *string
			seq, year        *int64
		)
		if err := rows.Scan(&controlID, &orgID, &seq, &year); err != nil {
			return nil, fmt.Errorf("%w: scan eligible triple: %w", procurement.ErrQuery, err)
		}
		rec := procurement.EligibilityRecord{}
		if controlID != nil {
			rec.ControlID = *controlID
		}
		if orgID != nil {
			rec.OrganizationID = *orgID
		}
		if seq != nil {
			rec.Sequence = int(*seq)
		}
		if year != nil {
			rec.Year = int(*year)
		}
		if err := rec.Validate(); err != nil {
			s.logger.Warn("skipping catalog row", append(logging.Triple(rec), zap.Error(err))...)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate eligible triples: %w", classify(err), err)
	}
	return records, nil
}
