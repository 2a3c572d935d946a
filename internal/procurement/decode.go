package procurement

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// DecodeItem parses one item payload. Fields that are absent, null, or of an
// unexpected type decode to nil rather than failing the whole item.
func DecodeItem(raw []byte) (Item, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}
	if p == nil {
		return Item{}, errors.New("decode item: payload is not an object")
	}
	item := Item{
		Description:                       p.text("descricao"),
		MaterialOrService:                 p.text("materialOuServico"),
		MaterialOrServiceName:             p.text("materialOuServicoNome"),
		EstimatedUnitValue:                p.number("valorUnitarioEstimado"),
		TotalValue:                        p.number("valorTotal"),
		Quantity:                          p.number("quantidade"),
		UnitOfMeasure:                     p.text("unidadeMedida"),
		ConfidentialBudget:                p.flag("orcamentoSigiloso"),
		CategoryID:                        p.integer("itemCategoriaId"),
		CategoryName:                      p.text("itemCategoriaNome"),
		Patrimony:                         p.text("patrimonio"),
		RealEstateRegistryCode:            p.text("codigoRegistroImobiliario"),
		JudgmentCriterionID:               p.integer("criterioJulgamentoId"),
		JudgmentCriterionName:             p.text("criterioJulgamentoNome"),
		Situation:                         p.integer("situacaoCompraItem"),
		SituationName:                     p.text("situacaoCompraItemNome"),
		BenefitType:                       p.integer("tipoBeneficio"),
		BenefitTypeName:                   p.text("tipoBeneficioNome"),
		BasicProductiveIncentive:          p.flag("incentivoProdutivoBasico"),
		IncludedAt:                        p.timestamp("dataInclusao"),
		UpdatedAt:                         p.timestamp("dataAtualizacao"),
		HasResult:                         p.flag("temResultado"),
		Image:                             p.integer("imagem"),
		NormalPreferenceMarginApplies:     p.flag("aplicabilidadeMargemPreferenciaNormal"),
		AdditionalPreferenceMarginApplies: p.flag("aplicabilidadeMargemPreferenciaAdicional"),
		NormalPreferenceMarginPct:         p.number("percentualMargemPreferenciaNormal"),
		AdditionalPreferenceMarginPct:     p.number("percentualMargemPreferenciaAdicional"),
		NCMNBSCode:                        p.text("ncmNbsCodigo"),
		NCMNBSDescription:                 p.text("ncmNbsDescricao"),
		Catalog:                           p.text("catalogo"),
		CatalogItemCategory:               p.text("categoriaItemCatalogo"),
		CatalogItemCode:                   p.text("catalogoCodigoItem"),
		AdditionalInformation:             p.text("informacaoComplementar"),
		Raw:                               append(json.RawMessage(nil), raw...),
	}
	if n := p.integer("numeroItem"); n != nil && *n > 0 {
		item.ItemNumber = int(*n)
	}
	return item, nil
}

type payload map[string]json.RawMessage

func (p payload) value(key string) (json.RawMessage, bool) {
	raw, ok := p[key]
	if !ok {
		return nil, false
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false
	}
	return trimmed, true
}

// text returns strings as-is; numbers, booleans and nested objects keep their JSON text.
func (p payload) text(key string) *string {
	raw, ok := p.value(key)
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	s = string(raw)
	return &s
}

func (p payload) number(key string) *float64 {
	raw, ok := p.value(key)
	if !ok {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &f
}

func (p payload) integer(key string) *int64 {
	f := p.number(key)
	if f == nil || *f != math.Trunc(*f) {
		return nil
	}
	v := int64(*f)
	return &v
}

func (p payload) flag(key string) *bool {
	raw, ok := p.value(key)
	if !ok {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &b
}

func (p payload) timestamp(key string) *time.Time {
	s := p.text(key)
	if s == nil {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(*s)); err == nil {
			return &t
		}
	}
	return nil
}
