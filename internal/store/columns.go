package store

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/model"
)

// propertyColumns is the column order shared by both backends.
var propertyColumns = []string{
	"identifier",
	"street", "city", "zip_code", "owner_name",
	"market_value", "assessed_value",
	"property_type", "living_sqft", "year_built", "bedrooms", "bathrooms", "stories", "lot_sqft", "land_acres",
	"tax_amount", "tax_status", "tax_delinquent", "tax_year",
	"appraiser_url", "tax_collector_url", "image_url",
	"source_precedence", "last_acquired", "created_at", "updated_at",
}

var propertySelect = strings.Join(propertyColumns, ", ")

type scannable interface {
	Scan(dest ...any) error
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func propertyArgs(r *model.PropertyRecord) ([]any, error) {
	prec := r.Precedence
	if prec == nil {
		prec = map[model.FieldGroup]model.Source{}
	}
	precJSON, err := json.Marshal(prec)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal source precedence")
	}
	return []any{
		r.Identifier,
		r.Address.Street, r.Address.City, r.Address.ZipCode, r.Address.OwnerName,
		r.Valuation.MarketValue, r.Valuation.AssessedValue,
		r.Structure.PropertyType, r.Structure.LivingSqft, r.Structure.YearBuilt, r.Structure.Bedrooms,
		r.Structure.Bathrooms, r.Structure.Stories, r.Structure.LotSqft, r.Structure.LandAcres,
		r.Tax.Amount, r.Tax.Status, r.Tax.Delinquent, r.Tax.Year,
		nullString(r.AppraiserURL), nullString(r.TaxCollectorURL), nullString(r.ImageURL),
		string(precJSON), r.LastAcquired, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	}, nil
}

func scanProperty(row scannable) (*model.PropertyRecord, error) {
	var r model.PropertyRecord
	var appraiserURL, taxURL, imageURL *string
	var precJSON []byte
	err := row.Scan(
		&r.Identifier,
		&r.Address.Street, &r.Address.City, &r.Address.ZipCode, &r.Address.OwnerName,
		&r.Valuation.MarketValue, &r.Valuation.AssessedValue,
		&r.Structure.PropertyType, &r.Structure.LivingSqft, &r.Structure.YearBuilt, &r.Structure.Bedrooms,
		&r.Structure.Bathrooms, &r.Structure.Stories, &r.Structure.LotSqft, &r.Structure.LandAcres,
		&r.Tax.Amount, &r.Tax.Status, &r.Tax.Delinquent, &r.Tax.Year,
		&appraiserURL, &taxURL, &imageURL,
		&precJSON, &r.LastAcquired, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if appraiserURL != nil {
		r.AppraiserURL = *appraiserURL
	}
	if taxURL != nil {
		r.TaxCollectorURL = *taxURL
	}
	if imageURL != nil {
		r.ImageURL = *imageURL
	}
	r.Precedence = map[model.FieldGroup]model.Source{}
	if len(precJSON) > 0 {
		if err := json.Unmarshal(precJSON, &r.Precedence); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal source precedence for %s", r.Identifier)
		}
	}
	return &r, nil
}

func marshalReport(report *model.BatchReport) (*string, error) {
	if report == nil {
		return nil, nil
	}
	b, err := json.Marshal(report)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal report")
	}
	s := string(b)
	return &s, nil
}

func unmarshalReport(raw []byte) (*model.BatchReport, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var report model.BatchReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal report")
	}
	return &report, nil
}

// chunk splits ids into slices of at most size.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
