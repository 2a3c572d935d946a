package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/logging"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

// itemColumns lists the insert columns in argument order; see itemArgs.
var itemColumns = []string{
	"numero_controle_pncp",
	"orgao_cnpj",
	"sequencial_compra",
	"numeroitem",
	"descricao",
	"materialouservico",
	"materialouserviconome",
	"valorunitarioestimado",
	"valortotal",
	"quantidade",
	"unidademedida",
	"orcamentosigiloso",
	"itemcategoriaid",
	"itemcategorianome",
	"patrimonio",
	"codigoregistroimobiliario",
	"criteriojulgamentoid",
	"criteriojulgamentonome",
	"situacaocompraitem",
	"situacaocompraitemnome",
	"tipobeneficio",
	"tipobeneficionome",
	"incentivoprodutivobasico",
	"datainclusao",
	"dataatualizacao",
	"temresultado",
	"imagem",
	"aplicabilidademargempreferencianormal",
	"aplicabilidademargempreferenciaadicional",
	"percentualmargempreferencianormal",
	"percentualmargempreferenciaadicional",
	"ncmnbscodigo",
	"ncmnbsdescricao",
	"catalogo",
	"categoriaitemcatalogo",
	"catalogocodigoitem",
	"informacaocomplementar",
}

const (
	savepointSQL         = "SAVEPOINT item_write"
	rollbackSavepointSQL = "ROLLBACK TO SAVEPOINT item_write"
	releaseSavepointSQL  = "RELEASE SAVEPOINT item_write"
)

// ItemStore reads and writes <schema>.contratacao_itens_pncp. It only ever
// inserts: existing rows are never updated or deleted.
type ItemStore struct {
	pool       Pool
	table      string
	insertStmt string
	logger     *zap.Logger
}

// NewItemStore constructs an ItemStore for the given schema.
func NewItemStore(pool Pool, schema string, logger *zap.Logger) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := qualify(schema, "contratacao_itens_pncp")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	placeholders := make([]string, len(itemColumns))
	for i := range placeholders {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (%s)
ON CONFLICT (numero_controle_pncp, numeroitem) DO NOTHING`,
		table,
		strings.Join(itemColumns, ", "),
		strings.Join(placeholders, ", "),
	)
	return &ItemStore{
		pool:       pool,
		table:      table,
		insertStmt: insert,
		logger:     logger,
	}, nil
}

// ExistingKeys returns the persisted keys for the given control ids. An empty
// input returns an empty set without a round trip.
func (s *ItemStore) ExistingKeys(ctx context.Context, controlIDs []string) (procurement.KeySet, error) {
	keys := procurement.KeySet{}
	ids := distinct(controlIDs)
	if len(ids) == 0 {
		return keys, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	query := fmt.Sprintf(
		"SELECT numero_controle_pncp, numeroitem::text FROM %s WHERE numero_controle_pncp IN (%s)",
		s.table,
		strings.Join(placeholders, ", "),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return keys, fmt.Errorf("%w: query existing keys: %w", classify(err), err)
	}
	defer rows.Close()

	for rows.Next() {
		var controlID, number string
		if err := rows.Scan(&controlID, &number); err != nil {
			return procurement.KeySet{}, fmt.Errorf("%w: scan existing key: %w", procurement.ErrQuery, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(number))
		if err != nil {
			s.logger.Warn("ignoring non-numeric item number",
				zap.String("control_id", controlID),
				zap.String("item_number", number),
			)
			continue
		}
		keys.Add(procurement.ItemKey{ControlID: controlID, ItemNumber: n})
	}
	if err := rows.Err(); err != nil {
		return procurement.KeySet{}, fmt.Errorf("%w: iterate existing keys: %w", classify(err), err)
	}
	return keys, nil
}

// WriteBatch validates items, skips those already persisted, and inserts the
// rest in one transaction. Each insert runs under its own savepoint so a
// failing row is rolled back and counted without losing the others. The
// returned error is non-nil only when the batch as a whole could not be
// written.
func (s *ItemStore) WriteBatch(ctx context.Context, items []procurement.Item) (procurement.WriteResult, error) {
	var result procurement.WriteResult

	valid := make([]procurement.Item, 0, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			result.Invalid++
			s.logger.Warn("invalid item", append(logging.Item(item), zap.Error(err))...)
			continue
		}
		valid = append(valid, item)
	}
	if len(valid) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(valid))
	for _, item := range valid {
		ids = append(ids, item.ControlID)
	}
	known, err := s.ExistingKeys(ctx, ids)
	if err != nil {
		// The conflict clause still prevents duplicates.
		s.logger.Warn("existing key lookup failed, relying on conflict policy", zap.Error(err))
		known = procurement.KeySet{}
	}

	pending := make([]procurement.Item, 0, len(valid))
	for _, item := range valid {
		if known.Has(item.Key()) {
			result.Skipped++
			s.logger.Debug("item already stored", logging.Item(item)...)
			continue
		}
		// Later duplicates within the same batch are skipped too.
		known.Add(item.Key())
		pending = append(pending, item)
	}
	if len(pending) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		result.Failed += len(pending)
		return result, fmt.Errorf("%w: begin item batch: %w", classify(err), err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for i, item := range pending {
		inserted, err := s.insertOne(ctx, tx, item)
		if err == nil {
			if inserted {
				result.Inserted++
			} else {
				result.Skipped++
			}
			continue
		}
		var ierr itemError
		if errors.As(err, &ierr) {
			result.Failed++
			s.logger.Error("item insert failed", append(logging.Item(item), zap.Error(ierr.err))...)
			continue
		}
		// The transaction is unusable: nothing in this batch is kept.
		result.Failed += result.Inserted + len(pending) - i
		result.Inserted = 0
		return result, fmt.Errorf("%w: item batch aborted: %w", procurement.ErrQuery, err)
	}

	if err := tx.Commit(ctx); err != nil {
		result.Failed += result.Inserted
		result.Inserted = 0
		return result, fmt.Errorf("%w: commit item batch: %w", classify(err), err)
	}
	committed = true
	return result, nil
}

// itemError marks a failure confined to one row; the transaction is still
// usable.
type itemError struct{ err error }

func (e itemError) Error() string { return e.err.Error() }

func (s *ItemStore) insertOne(ctx context.Context, tx pgx.Tx, item procurement.Item) (bool, error) {
	if _, err := tx.Exec(ctx, savepointSQL); err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	tag, err := tx.Exec(ctx, s.insertStmt, itemArgs(item)...)
	if err != nil {
		if _, rbErr := tx.Exec(ctx, rollbackSavepointSQL); rbErr != nil {
			return false, fmt.Errorf("rollback to savepoint: %w", rbErr)
		}
		return false, itemError{err: err}
	}
	if _, err := tx.Exec(ctx, releaseSavepointSQL); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func itemArgs(item procurement.Item) []any {
	return []any{
		item.ControlID,
		item.OrganizationID,
		strconv.Itoa(item.Sequence),
		item.ItemNumber,
		item.Description,
		item.MaterialOrService,
		item.MaterialOrServiceName,
		item.EstimatedUnitValue,
		item.TotalValue,
		item.Quantity,
		item.UnitOfMeasure,
		item.ConfidentialBudget,
		item.CategoryID,
		item.CategoryName,
		item.Patrimony,
		item.RealEstateRegistryCode,
		item.JudgmentCriterionID,
		item.JudgmentCriterionName,
		item.Situation,
		item.SituationName,
		item.BenefitType,
		item.BenefitTypeName,
		item.BasicProductiveIncentive,
		item.IncludedAt,
		item.UpdatedAt,
		item.HasResult,
		item.Image,
		item.NormalPreferenceMarginApplies,
		item.AdditionalPreferenceMarginApplies,
		item.NormalPreferenceMarginPct,
		item.AdditionalPreferenceMarginPct,
		item.NCMNBSCode,
		item.NCMNBSDescription,
		item.Catalog,
		item.CatalogItemCategory,
		item.CatalogItemCode,
		item.AdditionalInformation,
	}
}

func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
