package source

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/session"
)

// TaxCollectorConfig locates the tax collector site.
type TaxCollectorConfig struct {
	SearchURL string
}

// TaxCollector is the secondary source. It is authoritative for the tax
// group and reads nothing else.
type TaxCollector struct {
	cfg TaxCollectorConfig
	sel TaxCollectorSelectors
	log *zap.Logger
}

// NewTaxCollector creates the tax collector fetcher.
func NewTaxCollector(cfg TaxCollectorConfig, sel TaxCollectorSelectors) *TaxCollector {
	return &TaxCollector{
		cfg: cfg,
		sel: sel,
		log: zap.L().With(zap.String("component", "tax_collector")),
	}
}

func (t *TaxCollector) Source() model.Source { return model.SourceTaxCollector }

// Fetch searches the collector by parcel id and reads the bill.
func (t *TaxCollector) Fetch(ctx context.Context, sess *session.Session, req model.AcquisitionRequest) (*model.PartialRecord, error) {
	target := t.cfg.SearchURL + "?" + url.Values{t.sel.SearchParam: {req.Identifier}}.Encode()

	if err := sess.Navigate(ctx, target); err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}
	if err := sess.WaitForLoad(ctx, 0); err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}
	if _, err := sess.SafeFind(ctx, t.sel.Ready, 0); err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}
	html, pageURL, err := sess.Content(ctx)
	if err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}

	rec, err := t.ParseTax(html, pageURL)
	if err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}
	rec.Identifier = req.Identifier
	if rec.Tax == nil {
		t.log.Info("limited tax data available", zap.String("identifier", req.Identifier))
	}
	return rec, nil
}

// ParseTax reads amount, year and status from a search result page. A
// "no results" page is ElementNotFound. Fields the page does not show stay
// absent.
func (t *TaxCollector) ParseTax(html, pageURL string) (*model.PartialRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, resilience.NewError(resilience.KindValidation, "", eris.Wrap(err, "tax collector: parse html"))
	}

	text := strings.ToLower(doc.Text())
	for _, marker := range t.sel.NoResults {
		if strings.Contains(text, strings.ToLower(marker)) {
			return nil, resilience.Errorf(resilience.KindElementNotFound, "", "tax collector: no results on %s", pageURL)
		}
	}

	rec := &model.PartialRecord{
		Source:    model.SourceTaxCollector,
		SourceURL: pageURL,
	}

	var tax model.TaxFields
	if v := firstTableValue(doc, t.sel.AmountLabels); v != "" {
		if m, ok := model.ParseMoney(v); ok {
			tax.Amount = &m
		}
	}
	if v := firstTableValue(doc, t.sel.YearLabels); v != "" {
		if n, ok := model.ParseInt(v); ok {
			tax.Year = &n
		}
	}
	if v := firstTableValue(doc, t.sel.StatusLabels); v != "" {
		status := model.ParseTaxStatus(v)
		delinquent := status == model.TaxDelinquent
		tax.Status = &status
		tax.Delinquent = &delinquent
	}
	if tax != (model.TaxFields{}) {
		rec.Tax = &tax
	}
	return rec, nil
}
