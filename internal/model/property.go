package model

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Source identifies where a partial record came from.
type Source string

const (
	// SourceAppraiser is the primary source: identity, address, valuation and structure.
	SourceAppraiser Source = "appraiser"
	// SourceTaxCollector is the secondary source: tax fields only.
	SourceTaxCollector Source = "tax_collector"
	// SourceBulk is a bulk file import from the appraiser's export.
	SourceBulk Source = "bulk"
)

// FieldGroup names a set of PropertyRecord fields that are written together.
type FieldGroup string

const (
	GroupAddress   FieldGroup = "address"
	GroupValuation FieldGroup = "valuation"
	GroupStructure FieldGroup = "structure"
	GroupTax       FieldGroup = "tax"
)

// AllGroups lists every field group in a stable order.
var AllGroups = []FieldGroup{GroupAddress, GroupValuation, GroupStructure, GroupTax}

// TaxStatus is the payment state reported by the tax collector.
type TaxStatus string

const (
	TaxPaid       TaxStatus = "Paid"
	TaxDelinquent TaxStatus = "Delinquent"
	TaxUnknown    TaxStatus = "Unknown"
)

// ParseTaxStatus maps the collector's status text onto a TaxStatus. The
// delinquent and unpaid checks run first since both contain "PAID".
func ParseTaxStatus(text string) TaxStatus {
	upper := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case strings.Contains(upper, "DELINQUENT"):
		return TaxDelinquent
	case strings.Contains(upper, "UNPAID"):
		return TaxUnknown
	case strings.Contains(upper, "PAID"):
		return TaxPaid
	default:
		return TaxUnknown
	}
}

// Money is an amount in whole cents.
type Money int64

// Dollars builds a Money value from a dollar amount.
func Dollars(d float64) Money {
	return Money(math.Round(d * 100))
}

// Float returns the amount in dollars.
func (m Money) Float() float64 {
	return float64(m) / 100
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

var nonMoney = regexp.MustCompile(`[^\d.\-]`)

// ParseMoney parses "$1,234.56" style text. Blank or malformed input yields ok=false.
func ParseMoney(text string) (Money, bool) {
	cleaned := nonMoney.ReplaceAllString(strings.TrimSpace(text), "")
	if cleaned == "" || cleaned == "." || cleaned == "-" {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return Dollars(f), true
}

var nonDigit = regexp.MustCompile(`[^\d]`)

// ParseInt extracts the digits of text as an integer ("1,850 SF" → 1850).
func ParseInt(text string) (int, bool) {
	digits := nonDigit.ReplaceAllString(text, "")
	if digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseFloat parses a decimal, ignoring thousands separators.
func ParseFloat(text string) (float64, bool) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	if cleaned == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// SqftPerAcre converts lot square footage to acres.
const SqftPerAcre = 43560.0

var parcelPattern = regexp.MustCompile(`^\d{2}-\d{2}-\d{2}-\d{5}-\d{3}-\d{4}$`)

// IsParcelID reports whether s has the county's formatted parcel id shape.
func IsParcelID(s string) bool {
	return parcelPattern.MatchString(strings.TrimSpace(s))
}

// AddressFields is the location and ownership group.
type AddressFields struct {
	Street    *string `json:"street,omitempty"`
	City      *string `json:"city,omitempty"`
	ZipCode   *string `json:"zip_code,omitempty"`
	OwnerName *string `json:"owner_name,omitempty"`
}

// ValuationFields is the appraised value group.
type ValuationFields struct {
	MarketValue   *Money `json:"market_value,omitempty"`
	AssessedValue *Money `json:"assessed_value,omitempty"`
}

// StructureFields describes the land and buildings.
type StructureFields struct {
	PropertyType *string  `json:"property_type,omitempty"`
	LivingSqft   *int     `json:"living_sqft,omitempty"`
	YearBuilt    *int     `json:"year_built,omitempty"`
	Bedrooms     *int     `json:"bedrooms,omitempty"`
	Bathrooms    *float64 `json:"bathrooms,omitempty"`
	Stories      *int     `json:"stories,omitempty"`
	LotSqft      *int     `json:"lot_sqft,omitempty"`
	LandAcres    *float64 `json:"land_acres,omitempty"`
}

// TaxFields is the tax collector's group.
type TaxFields struct {
	Amount     *Money     `json:"amount,omitempty"`
	Status     *TaxStatus `json:"status,omitempty"`
	Delinquent *bool      `json:"delinquent,omitempty"`
	Year       *int       `json:"year,omitempty"`
}

// PartialRecord is what one stage learned about one property. Nil groups and
// nil fields mean "not touched", never "clear".
type PartialRecord struct {
	Identifier string           `json:"identifier"`
	Source     Source           `json:"source"`
	SourceURL  string           `json:"source_url,omitempty"`
	ImageURL   string           `json:"image_url,omitempty"`
	Address    *AddressFields   `json:"address,omitempty"`
	Valuation  *ValuationFields `json:"valuation,omitempty"`
	Structure  *StructureFields `json:"structure,omitempty"`
	Tax        *TaxFields       `json:"tax,omitempty"`
}

// Groups returns the field groups this partial touches.
func (p *PartialRecord) Groups() []FieldGroup {
	var groups []FieldGroup
	if p.Address != nil {
		groups = append(groups, GroupAddress)
	}
	if p.Valuation != nil {
		groups = append(groups, GroupValuation)
	}
	if p.Structure != nil {
		groups = append(groups, GroupStructure)
	}
	if p.Tax != nil {
		groups = append(groups, GroupTax)
	}
	return groups
}

// Validate checks the invariants a partial must satisfy before it may be
// reconciled.
func (p *PartialRecord) Validate() error {
	if strings.TrimSpace(p.Identifier) == "" {
		return eris.New("missing identifier")
	}
	switch p.Source {
	case SourceAppraiser, SourceTaxCollector, SourceBulk:
	default:
		return eris.Errorf("%s: unknown source %q", p.Identifier, p.Source)
	}
	if v := p.Valuation; v != nil {
		if v.MarketValue != nil && *v.MarketValue < 0 {
			return eris.Errorf("%s: negative market value", p.Identifier)
		}
		if v.AssessedValue != nil && *v.AssessedValue < 0 {
			return eris.Errorf("%s: negative assessed value", p.Identifier)
		}
	}
	if s := p.Structure; s != nil {
		for name, n := range map[string]*int{
			"living_sqft": s.LivingSqft, "bedrooms": s.Bedrooms,
			"stories": s.Stories, "lot_sqft": s.LotSqft, "year_built": s.YearBuilt,
		} {
			if n != nil && *n < 0 {
				return eris.Errorf("%s: negative %s", p.Identifier, name)
			}
		}
		if s.Bathrooms != nil && *s.Bathrooms < 0 {
			return eris.Errorf("%s: negative bathrooms", p.Identifier)
		}
		if s.LandAcres != nil && *s.LandAcres < 0 {
			return eris.Errorf("%s: negative land acres", p.Identifier)
		}
	}
	if t := p.Tax; t != nil {
		if t.Amount != nil && *t.Amount < 0 {
			return eris.Errorf("%s: negative tax amount", p.Identifier)
		}
		if t.Status != nil {
			switch *t.Status {
			case TaxPaid, TaxDelinquent, TaxUnknown:
			default:
				return eris.Errorf("%s: unknown tax status %q", p.Identifier, *t.Status)
			}
		}
	}
	return nil
}

// PropertyRecord is the canonical stored view of one property.
type PropertyRecord struct {
	Identifier string          `json:"identifier"`
	Address    AddressFields   `json:"address"`
	Valuation  ValuationFields `json:"valuation"`
	Structure  StructureFields `json:"structure"`
	Tax        TaxFields       `json:"tax"`

	AppraiserURL    string `json:"appraiser_url,omitempty"`
	TaxCollectorURL string `json:"tax_collector_url,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`

	// Precedence records which source last wrote each field group.
	Precedence map[FieldGroup]Source `json:"source_precedence"`

	LastAcquired *time.Time `json:"last_acquired,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
