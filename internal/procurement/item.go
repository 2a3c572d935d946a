package procurement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Item is one procurement item as returned by the PNCP item endpoint. Every
// payload field is optional; ControlID, OrganizationID and Sequence are
// attached by the pipeline after the fetch.
type Item struct {
	ControlID      string `json:"numero_controle_pncp"`
	OrganizationID string `json:"orgao_cnpj"`
	Sequence       int    `json:"sequencial_compra"`
	ItemNumber     int    `json:"numeroItem"`

	Description                       *string    `json:"descricao,omitempty"`
	MaterialOrService                 *string    `json:"materialOuServico,omitempty"`
	MaterialOrServiceName             *string    `json:"materialOuServicoNome,omitempty"`
	EstimatedUnitValue                *float64   `json:"valorUnitarioEstimado,omitempty"`
	TotalValue                        *float64   `json:"valorTotal,omitempty"`
	Quantity                          *float64   `json:"quantidade,omitempty"`
	UnitOfMeasure                     *string    `json:"unidadeMedida,omitempty"`
	ConfidentialBudget                *bool      `json:"orcamentoSigiloso,omitempty"`
	CategoryID                        *int64     `json:"itemCategoriaId,omitempty"`
	CategoryName                      *string    `json:"itemCategoriaNome,omitempty"`
	Patrimony                         *string    `json:"patrimonio,omitempty"`
	RealEstateRegistryCode            *string    `json:"codigoRegistroImobiliario,omitempty"`
	JudgmentCriterionID               *int64     `json:"criterioJulgamentoId,omitempty"`
	JudgmentCriterionName             *string    `json:"criterioJulgamentoNome,omitempty"`
	Situation                         *int64     `json:"situacaoCompraItem,omitempty"`
	SituationName                     *string    `json:"situacaoCompraItemNome,omitempty"`
	BenefitType                       *int64     `json:"tipoBeneficio,omitempty"`
	BenefitTypeName                   *string    `json:"tipoBeneficioNome,omitempty"`
	BasicProductiveIncentive          *bool      `json:"incentivoProdutivoBasico,omitempty"`
	IncludedAt                        *time.Time `json:"dataInclusao,omitempty"`
	UpdatedAt                         *time.Time `json:"dataAtualizacao,omitempty"`
	HasResult                         *bool      `json:"temResultado,omitempty"`
	Image                             *int64     `json:"imagem,omitempty"`
	NormalPreferenceMarginApplies     *bool      `json:"aplicabilidadeMargemPreferenciaNormal,omitempty"`
	AdditionalPreferenceMarginApplies *bool      `json:"aplicabilidadeMargemPreferenciaAdicional,omitempty"`
	NormalPreferenceMarginPct         *float64   `json:"percentualMargemPreferenciaNormal,omitempty"`
	AdditionalPreferenceMarginPct     *float64   `json:"percentualMargemPreferenciaAdicional,omitempty"`
	NCMNBSCode                        *string    `json:"ncmNbsCodigo,omitempty"`
	NCMNBSDescription                 *string    `json:"ncmNbsDescricao,omitempty"`
	Catalog                           *string    `json:"catalogo,omitempty"`
	CatalogItemCategory               *string    `json:"categoriaItemCatalogo,omitempty"`
	CatalogItemCode                   *string    `json:"catalogoCodigoItem,omitempty"`
	AdditionalInformation             *string    `json:"informacaoComplementar,omitempty"`

	// Raw keeps the payload exactly as fetched, for archiving.
	Raw json.RawMessage `json:"-"`
}

// Key returns the natural key of the item.
func (it Item) Key() ItemKey {
	return ItemKey{ControlID: it.ControlID, ItemNumber: it.ItemNumber}
}

// Attach enriches the item with the identity of the triple it belongs to.
func (it *Item) Attach(rec EligibilityRecord) {
	it.ControlID = rec.ControlID
	it.OrganizationID = rec.OrganizationID
	it.Sequence = rec.Sequence
}

// Validate enforces the keys required for persistence.
func (it Item) Validate() error {
	if strings.TrimSpace(it.ControlID) == "" {
		return fmt.Errorf("%w: control id is missing (item %d)", ErrValidation, it.ItemNumber)
	}
	if it.ItemNumber < 1 {
		return fmt.Errorf("%w: item number is missing (control %s)", ErrValidation, it.ControlID)
	}
	return nil
}
