package bulk

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/fetcher"
	"github.com/sells-group/parcel-cli/internal/model"
)

// County export column names.
const (
	ColParcelID  = "PARCEL_ID"
	ColSiteAddr  = "SITE_ADDR"
	ColSiteCity  = "SITE_CITY"
	ColSiteZip   = "SITE_ZIP"
	ColOwner     = "OWN_NAME"
	ColJust      = "JV"
	ColAssessed  = "AV"
	ColLiving    = "LIV_AREA"
	ColYearBuilt = "YR_BLT"
	ColBeds      = "BEDS"
	ColBaths     = "BATHS"
	ColUseCode   = "DOR_UC"
	ColLandSqft  = "LAND_SQFT"
)

// ErrNoParcelID marks a row without an identifier.
var ErrNoParcelID = eris.New("bulk: row has no parcel id")

// MapRow converts one export row into a bulk partial. Blank or malformed
// numbers are left absent; nothing in a row ever clears a stored field.
func MapRow(row fetcher.Row) (*model.PartialRecord, error) {
	id := row.Get(ColParcelID)
	if id == "" {
		return nil, ErrNoParcelID
	}

	p := &model.PartialRecord{Identifier: id, Source: model.SourceBulk}

	addr := model.AddressFields{
		Street:    text(row, ColSiteAddr),
		City:      text(row, ColSiteCity),
		ZipCode:   text(row, ColSiteZip),
		OwnerName: text(row, ColOwner),
	}
	if addr != (model.AddressFields{}) {
		p.Address = &addr
	}

	val := model.ValuationFields{
		MarketValue:   money(row, ColJust),
		AssessedValue: money(row, ColAssessed),
	}
	if val != (model.ValuationFields{}) {
		p.Valuation = &val
	}

	st := model.StructureFields{
		LivingSqft: whole(row, ColLiving),
		YearBuilt:  whole(row, ColYearBuilt),
		Bedrooms:   whole(row, ColBeds),
		Bathrooms:  decimal(row, ColBaths),
		LotSqft:    whole(row, ColLandSqft),
	}
	if code := row.Get(ColUseCode); code != "" {
		st.PropertyType = model.Ptr(model.PropertyTypeDescription(code))
	}
	if st.LotSqft != nil && *st.LotSqft > 0 {
		st.LandAcres = model.Ptr(float64(*st.LotSqft) / model.SqftPerAcre)
	}
	if st != (model.StructureFields{}) {
		p.Structure = &st
	}

	if err := p.Validate(); err != nil {
		return nil, eris.Wrap(err, "bulk: invalid row")
	}
	return p, nil
}

func text(row fetcher.Row, col string) *string {
	if v := strings.Join(strings.Fields(row.Get(col)), " "); v != "" {
		return &v
	}
	return nil
}

func money(row fetcher.Row, col string) *model.Money {
	f, ok := model.ParseFloat(strings.TrimPrefix(row.Get(col), "$"))
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return model.Ptr(model.Dollars(f))
}

// whole parses "1500", "1,500" or "1500.0" and truncates.
func whole(row fetcher.Row, col string) *int {
	f, ok := model.ParseFloat(row.Get(col))
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return model.Ptr(int(f))
}

func decimal(row fetcher.Row, col string) *float64 {
	f, ok := model.ParseFloat(row.Get(col))
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
