package source

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/session"
)

// AppraiserConfig locates the property appraiser site.
type AppraiserConfig struct {
	BaseURL        string
	SearchURL      string
	MaxSearchPages int
	// Policy retries each search page. Zero uses the policy defaults.
	Policy resilience.Policy
}

// Criteria narrows an appraiser keyword search.
type Criteria struct {
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	ZipCode   string `json:"zip_code,omitempty"`
	OwnerName string `json:"owner_name,omitempty"`
}

// Query joins the criteria into the site's single keyword box.
func (c Criteria) Query() string {
	var terms []string
	for _, t := range []string{c.Address, c.City, c.ZipCode, c.OwnerName} {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, t)
		}
	}
	return strings.Join(terms, " ")
}

// Appraiser is the primary source: address, valuation and structure.
type Appraiser struct {
	cfg  AppraiserConfig
	sel  AppraiserSelectors
	base *url.URL
	log  *zap.Logger
}

// NewAppraiser creates the appraiser fetcher.
func NewAppraiser(cfg AppraiserConfig, sel AppraiserSelectors) (*Appraiser, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, eris.Wrapf(err, "source: parse appraiser base url %q", cfg.BaseURL)
	}
	if cfg.MaxSearchPages <= 0 {
		cfg.MaxSearchPages = 100
	}
	return &Appraiser{
		cfg:  cfg,
		sel:  sel,
		base: base,
		log:  zap.L().With(zap.String("component", "appraiser")),
	}, nil
}

func (a *Appraiser) Source() model.Source { return model.SourceAppraiser }

// Fetch loads the detail page for req. The lookup key is either a detail
// URL from a search or a bare parcel id, which is resolved through search.
func (a *Appraiser) Fetch(ctx context.Context, sess *session.Session, req model.AcquisitionRequest) (*model.PartialRecord, error) {
	detailURL := req.Key()
	if !strings.HasPrefix(detailURL, "http://") && !strings.HasPrefix(detailURL, "https://") {
		var err error
		if detailURL, err = a.resolveDetailURL(ctx, sess, req.Key()); err != nil {
			return nil, withIdentifier(err, req.Identifier)
		}
	}

	if err := sess.Navigate(ctx, detailURL); err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}
	if err := sess.WaitForLoad(ctx, 0); err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}
	if _, err := sess.SafeFind(ctx, a.sel.DetailReady, 0); err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}
	html, pageURL, err := sess.Content(ctx)
	if err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}

	rec, err := a.ParseDetail(html, pageURL)
	if err != nil {
		return nil, withIdentifier(err, req.Identifier)
	}
	if rec.Identifier != "" && rec.Identifier != req.Identifier {
		a.log.Warn("detail page parcel differs from request",
			zap.String("identifier", req.Identifier),
			zap.String("page_parcel", rec.Identifier),
		)
	}
	rec.Identifier = req.Identifier

	a.log.Debug("appraiser record extracted",
		zap.String("identifier", req.Identifier),
		zap.Strings("groups", groupNames(rec.Groups())),
		zap.Bool("image", rec.ImageURL != ""),
	)
	return rec, nil
}

// ParseDetail extracts a partial record from a detail page. A page that
// yields no property fields at all is ValidationFailed.
func (a *Appraiser) ParseDetail(html, pageURL string) (*model.PartialRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, resilience.NewError(resilience.KindValidation, "", eris.Wrap(err, "appraiser: parse detail html"))
	}

	rec := &model.PartialRecord{
		Identifier: parcelFromPage(doc),
		Source:     model.SourceAppraiser,
		SourceURL:  pageURL,
	}

	var addr model.AddressFields
	street, city, zip := addressParts(doc, a.sel.AddressLabel)
	addr.Street = optString(street)
	addr.City = optString(city)
	addr.ZipCode = optString(zip)
	if owner := siblingValue(doc, a.sel.OwnerLabel); !absent(owner) {
		addr.OwnerName = optString(cleanOwner(owner))
	}
	if addr != (model.AddressFields{}) {
		rec.Address = &addr
	}

	var st model.StructureFields
	for _, label := range a.sel.LivingLabels {
		if v := h2Value(doc, label); !absent(v) {
			if n, ok := model.ParseInt(v); ok {
				st.LivingSqft = &n
				break
			}
		}
	}
	if v := siblingValue(doc, a.sel.YearLabel); !absent(v) {
		if n, ok := model.ParseInt(v); ok {
			st.YearBuilt = &n
		}
	}
	if v := siblingValue(doc, a.sel.UseLabel); !absent(v) {
		st.PropertyType = &v
	}
	if st != (model.StructureFields{}) {
		rec.Structure = &st
	}

	if market, assessed := valuation(doc, a.sel.MarketHeader, a.sel.AssessedHeader); market != nil || assessed != nil {
		rec.Valuation = &model.ValuationFields{MarketValue: market, AssessedValue: assessed}
	}

	base := a.base
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		base = u
	}
	rec.ImageURL = imageURL(doc, a.sel.Images, base)

	if len(rec.Groups()) == 0 {
		return nil, resilience.Errorf(resilience.KindValidation, rec.Identifier,
			"appraiser: no property fields on %s", pageURL)
	}
	return rec, nil
}

// Search runs a keyword search and walks its result pages, returning one
// request per distinct parcel with the detail URL as lookup key. limit <= 0
// means no limit. Each page is fetched under the retry policy; a retried
// page is reached again from the last page that loaded.
func (a *Appraiser) Search(ctx context.Context, sess *session.Session, c Criteria, limit int) ([]model.AcquisitionRequest, error) {
	query := c.Query()
	if query == "" {
		return nil, resilience.Errorf(resilience.KindValidation, "", "appraiser: empty search criteria")
	}
	log := a.log.With(zap.String("query", query))

	seen := make(map[string]bool)
	var out []model.AcquisitionRequest
	prevURL := ""
	for page := 1; page <= a.cfg.MaxSearchPages; page++ {
		attempt := 0
		sp, res := resilience.ExecuteVal(ctx, a.cfg.Policy, query, func(ctx context.Context) (searchPage, error) {
			attempt++
			return a.loadSearchPage(ctx, sess, query, page, prevURL, attempt > 1)
		})
		if res.Err != nil {
			if page == 1 && res.Kind == resilience.KindElementNotFound {
				log.Info("search returned no results")
				return nil, nil
			}
			return out, res.Err
		}
		prevURL = sp.url

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(sp.html))
		if err != nil {
			return out, eris.Wrap(err, "appraiser: parse search page")
		}

		found := a.resultLinks(doc, sp.url, seen)
		out = append(out, found...)
		log.Info("search page parsed",
			zap.Int("page", page),
			zap.Int("attempts", res.Attempts),
			zap.Int("new", len(found)),
			zap.Int("total", len(out)),
		)

		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if len(found) == 0 || doc.Find(a.sel.NextPage).Length() == 0 {
			break
		}
		if page == a.cfg.MaxSearchPages {
			log.Warn("search page limit reached", zap.Int("max_pages", a.cfg.MaxSearchPages))
			break
		}
	}
	return out, nil
}

type searchPage struct {
	html string
	url  string
}

// loadSearchPage brings the session to result page n and returns its
// content. Page 1 is the search URL; later pages follow the next link from
// prevURL, which is reloaded first on a retry. The session is recreated if
// it died on a previous attempt.
func (a *Appraiser) loadSearchPage(ctx context.Context, sess *session.Session, query string, page int, prevURL string, retry bool) (searchPage, error) {
	if err := sess.EnsureSession(ctx); err != nil {
		return searchPage{}, err
	}
	if page == 1 {
		if err := sess.Navigate(ctx, a.searchURL(query)); err != nil {
			return searchPage{}, err
		}
	} else {
		if retry {
			if err := sess.Navigate(ctx, prevURL); err != nil {
				return searchPage{}, err
			}
			if err := sess.WaitForLoad(ctx, 0); err != nil {
				return searchPage{}, err
			}
		}
		if err := sess.SafeClick(ctx, a.sel.NextPage, 0); err != nil {
			return searchPage{}, err
		}
	}
	if err := sess.WaitForLoad(ctx, 0); err != nil {
		return searchPage{}, err
	}
	if _, err := sess.SafeFind(ctx, a.sel.ResultLink, 0); err != nil {
		return searchPage{}, err
	}
	html, pageURL, err := sess.Content(ctx)
	if err != nil {
		return searchPage{}, err
	}
	return searchPage{html: html, url: pageURL}, nil
}

func (a *Appraiser) resultLinks(doc *goquery.Document, pageURL string, seen map[string]bool) []model.AcquisitionRequest {
	base := a.base
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		base = u
	}
	var found []model.AcquisitionRequest
	doc.Find(a.sel.ResultLink).Each(func(_ int, link *goquery.Selection) {
		parcel := strings.TrimSpace(link.Text())
		if !model.IsParcelID(parcel) || seen[parcel] {
			return
		}
		href := resolve(base, link.AttrOr("href", ""))
		if href == "" {
			return
		}
		seen[parcel] = true
		found = append(found, model.AcquisitionRequest{Identifier: parcel, LookupKey: href})
	})
	return found
}

// resolveDetailURL searches for a bare parcel id and returns the first
// detail link.
func (a *Appraiser) resolveDetailURL(ctx context.Context, sess *session.Session, parcel string) (string, error) {
	if err := sess.Navigate(ctx, a.searchURL(parcel)); err != nil {
		return "", err
	}
	if _, err := sess.SafeFind(ctx, a.sel.ResultLink, 0); err != nil {
		return "", err
	}
	html, pageURL, err := sess.Content(ctx)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", resilience.NewError(resilience.KindValidation, parcel, eris.Wrap(err, "appraiser: parse search page"))
	}
	base := a.base
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		base = u
	}
	href := resolve(base, doc.Find(a.sel.ResultLink).First().AttrOr("href", ""))
	if href == "" {
		return "", resilience.Errorf(resilience.KindElementNotFound, parcel, "appraiser: no detail link for %s", parcel)
	}
	return href, nil
}

func (a *Appraiser) searchURL(query string) string {
	return a.cfg.SearchURL + "?" + url.Values{a.sel.SearchParam: {query}}.Encode()
}

func optString(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

func groupNames(groups []model.FieldGroup) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = string(g)
	}
	return out
}

// withIdentifier stamps id onto a taxonomy error that lacks one.
func withIdentifier(err error, id string) error {
	var e *resilience.Error
	if errors.As(err, &e) && e.Identifier == "" {
		e.Identifier = id
	}
	return err
}
