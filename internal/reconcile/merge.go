package reconcile

import (
	"time"

	"github.com/sells-group/parcel-cli/internal/model"
)

// Rank returns how authoritative src is for group. The tax collector owns
// the tax group; the appraiser and its bulk export own everything else.
func Rank(src model.Source, group model.FieldGroup) int {
	if group == model.GroupTax {
		switch src {
		case model.SourceTaxCollector:
			return 2
		case model.SourceAppraiser, model.SourceBulk:
			return 1
		}
		return 0
	}
	switch src {
	case model.SourceAppraiser, model.SourceBulk:
		return 2
	case model.SourceTaxCollector:
		return 1
	}
	return 0
}

// Merge applies p on top of base and returns the result. base is not
// modified and may be nil. Only non-nil fields of groups the incoming source
// may write are copied; everything else keeps its stored value.
func Merge(base *model.PropertyRecord, p *model.PartialRecord, now time.Time) *model.PropertyRecord {
	var out model.PropertyRecord
	if base != nil {
		out = *base
	} else {
		out.Identifier = p.Identifier
		out.CreatedAt = now
	}
	out.Precedence = make(map[model.FieldGroup]model.Source, len(model.AllGroups))
	if base != nil {
		for g, s := range base.Precedence {
			out.Precedence[g] = s
		}
	}

	if p.Address != nil && claim(out.Precedence, model.GroupAddress, p.Source) {
		mergeAddress(&out.Address, p.Address)
	}
	if p.Valuation != nil && claim(out.Precedence, model.GroupValuation, p.Source) {
		mergeValuation(&out.Valuation, p.Valuation)
	}
	if p.Structure != nil && claim(out.Precedence, model.GroupStructure, p.Source) {
		mergeStructure(&out.Structure, p.Structure)
	}
	if p.Tax != nil && claim(out.Precedence, model.GroupTax, p.Source) {
		mergeTax(&out.Tax, p.Tax)
	}

	if p.SourceURL != "" {
		switch p.Source {
		case model.SourceTaxCollector:
			out.TaxCollectorURL = p.SourceURL
		default:
			out.AppraiserURL = p.SourceURL
		}
	}
	if p.ImageURL != "" {
		out.ImageURL = p.ImageURL
	}

	ts := now
	out.LastAcquired = &ts
	out.UpdatedAt = now
	return &out
}

// claim records src as the writer of group when its rank is at least that
// of the source that last wrote it. Equal rank is last writer wins.
func claim(prec map[model.FieldGroup]model.Source, group model.FieldGroup, src model.Source) bool {
	if cur, ok := prec[group]; ok && Rank(src, group) < Rank(cur, group) {
		return false
	}
	prec[group] = src
	return true
}

func set[T any](dst **T, v *T) {
	if v != nil {
		*dst = v
	}
}

func mergeAddress(dst, src *model.AddressFields) {
	set(&dst.Street, src.Street)
	set(&dst.City, src.City)
	set(&dst.ZipCode, src.ZipCode)
	set(&dst.OwnerName, src.OwnerName)
}

func mergeValuation(dst, src *model.ValuationFields) {
	set(&dst.MarketValue, src.MarketValue)
	set(&dst.AssessedValue, src.AssessedValue)
}

func mergeStructure(dst, src *model.StructureFields) {
	set(&dst.PropertyType, src.PropertyType)
	set(&dst.LivingSqft, src.LivingSqft)
	set(&dst.YearBuilt, src.YearBuilt)
	set(&dst.Bedrooms, src.Bedrooms)
	set(&dst.Bathrooms, src.Bathrooms)
	set(&dst.Stories, src.Stories)
	set(&dst.LotSqft, src.LotSqft)
	set(&dst.LandAcres, src.LandAcres)
}

func mergeTax(dst, src *model.TaxFields) {
	set(&dst.Amount, src.Amount)
	set(&dst.Status, src.Status)
	set(&dst.Delinquent, src.Delinquent)
	set(&dst.Year, src.Year)
}
