package source

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Selectors holds the CSS selectors and field labels used to read each
// site. Counties reskin their pages often enough that these live in YAML.
type Selectors struct {
	Appraiser    AppraiserSelectors    `yaml:"appraiser"`
	TaxCollector TaxCollectorSelectors `yaml:"tax_collector"`
}

// AppraiserSelectors locate search results and detail page fields.
type AppraiserSelectors struct {
	SearchParam    string   `yaml:"search_param"`
	ResultLink     string   `yaml:"result_link"`
	NextPage       string   `yaml:"next_page"`
	DetailReady    string   `yaml:"detail_ready"`
	LivingLabels   []string `yaml:"living_labels"`
	OwnerLabel     string   `yaml:"owner_label"`
	YearLabel      string   `yaml:"year_label"`
	UseLabel       string   `yaml:"use_label"`
	AddressLabel   string   `yaml:"address_label"`
	MarketHeader   string   `yaml:"market_header"`
	AssessedHeader string   `yaml:"assessed_header"`
	Images         []string `yaml:"images"`
}

// TaxCollectorSelectors locate tax bill fields by their table labels.
type TaxCollectorSelectors struct {
	SearchParam  string   `yaml:"search_param"`
	Ready        string   `yaml:"ready"`
	NoResults    []string `yaml:"no_results"`
	AmountLabels []string `yaml:"amount_labels"`
	YearLabels   []string `yaml:"year_labels"`
	StatusLabels []string `yaml:"status_labels"`
}

// DefaultSelectors returns the selectors for the Pinellas County sites.
func DefaultSelectors() Selectors {
	return Selectors{
		Appraiser: AppraiserSelectors{
			SearchParam:    "keyword",
			ResultLink:     `a[href*='property-details']`,
			NextPage:       `a.paginate_button.next:not(.disabled)`,
			DetailReady:    "h2",
			LivingLabels:   []string{"Living SF", "Heated SF"},
			OwnerLabel:     "Owner Name",
			YearLabel:      "Year Built",
			UseLabel:       "Property Use",
			AddressLabel:   "Site Address",
			MarketHeader:   "Just/Market Value",
			AssessedHeader: "Assessed",
			Images: []string{
				"img.property-photo",
				"img.property-image",
				`img[alt*="property"]`,
				`img[alt*="Property"]`,
				".property-photo img",
				".property-image img",
				"#property-photo img",
				".photo-gallery img",
				".main-photo img",
				`img[src*="property"]`,
				`img[src*="parcel"]`,
			},
		},
		TaxCollector: TaxCollectorSelectors{
			SearchParam:  "search",
			Ready:        "body",
			NoResults:    []string{"no search results", "no results"},
			AmountLabels: []string{"Total Tax", "Amount Due", "Tax Amount"},
			YearLabels:   []string{"Tax Year", "Year"},
			StatusLabels: []string{"Payment Status", "Status"},
		},
	}
}

// LoadSelectors reads a selector override file. Keys missing from the file
// keep their defaults.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sel, eris.Wrapf(err, "source: read selectors %s", path)
	}
	if err := yaml.Unmarshal(data, &sel); err != nil {
		return sel, eris.Wrap(err, "source: parse selectors")
	}
	return sel, nil
}
