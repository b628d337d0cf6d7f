package source

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/parcel-cli/internal/model"
)

var (
	cityStateZip = regexp.MustCompile(`^([A-Za-z\s.'-]+),?\s*FL\s*(\d{5})`)
	nameBoundary = regexp.MustCompile(`([a-z])([A-Z])`)
	titleCaser   = cases.Title(language.English)
)

// absent reports values the county uses for "no data".
func absent(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "n/a", "none", "-":
		return true
	}
	return false
}

// ownText returns the concatenated text nodes directly under s.
func ownText(s *goquery.Selection) string {
	var b strings.Builder
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
		}
	})
	return strings.TrimSpace(b.String())
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// h2Value finds an h2 whose parent mentions label and returns the h2 text.
func h2Value(doc *goquery.Document, label string) string {
	var out string
	doc.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if containsFold(h.Parent().Text(), label) {
			out = strings.TrimSpace(h.Text())
			return false
		}
		return true
	})
	return out
}

// labelElement returns the first element whose own text mentions label.
func labelElement(doc *goquery.Document, label string) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("body *").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if containsFold(ownText(s), label) {
			found = s
			return false
		}
		return true
	})
	return found
}

// siblingValue returns the text of the element following label.
func siblingValue(doc *goquery.Document, label string) string {
	el := labelElement(doc, label)
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Next().Text())
}

// tableValue returns the cell following the td that mentions label.
func tableValue(doc *goquery.Document, label string) string {
	var out string
	doc.Find("td").EachWithBreak(func(_ int, td *goquery.Selection) bool {
		if containsFold(strings.TrimSpace(td.Text()), label) {
			if next := td.NextFiltered("td"); next.Length() > 0 {
				out = strings.TrimSpace(next.Text())
				return false
			}
		}
		return true
	})
	return out
}

// firstTableValue tries labels in order.
func firstTableValue(doc *goquery.Document, labels []string) string {
	for _, l := range labels {
		if v := tableValue(doc, l); !absent(v) {
			return v
		}
	}
	return ""
}

// addressParts reads the street line and the "CITY, FL 33759" line that
// follow the site address label, split on <br>.
func addressParts(doc *goquery.Document, label string) (street, city, zip string) {
	el := labelElement(doc, label)
	if el == nil {
		return "", "", ""
	}
	var parts []string
	el.Next().Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "br" {
			return
		}
		if t := strings.TrimSpace(c.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) > 0 {
		street = parts[0]
	}
	if len(parts) > 1 {
		if m := cityStateZip.FindStringSubmatch(parts[1]); m != nil {
			city = titleCaser.String(strings.ToLower(strings.TrimSpace(m[1])))
			zip = m[2]
		}
	}
	return street, city, zip
}

// cleanOwner strips the "More" expander text and restores the space lost
// between concatenated owner names.
func cleanOwner(v string) string {
	v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "More"))
	return nameBoundary.ReplaceAllString(v, "$1 $2")
}

// valuation reads market and assessed value from the first row of the
// current-year valuation table.
func valuation(doc *goquery.Document, marketHeader, assessedHeader string) (market, assessed *model.Money) {
	doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
		text := t.Text()
		if !strings.Contains(text, marketHeader) || !strings.Contains(text, assessedHeader) {
			return true
		}
		var cells []string
		t.Find("tbody tr").First().Find("td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(td.Text()))
		})
		if len(cells) >= 3 {
			if v, ok := model.ParseMoney(cells[1]); ok {
				market = &v
			}
			if v, ok := model.ParseMoney(cells[2]); ok {
				assessed = &v
			}
		}
		return false
	})
	return market, assessed
}

// parcelFromPage returns the first h2 shaped like a parcel id.
func parcelFromPage(doc *goquery.Document) string {
	var out string
	doc.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if t := strings.TrimSpace(h.Text()); model.IsParcelID(t) {
			out = t
			return false
		}
		return true
	})
	return out
}

var imageSkip = []string{"logo", "icon", "button", "arrow", "nav"}

// imageURL finds the property photo, falling back to any large image.
func imageURL(doc *goquery.Document, selectors []string, base *url.URL) string {
	for _, sel := range selectors {
		if src, ok := doc.Find(sel).First().Attr("src"); ok && src != "" {
			if u := resolve(base, src); u != "" {
				return u
			}
		}
	}
	var out string
	doc.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src := img.AttrOr("src", "")
		lower := strings.ToLower(src)
		for _, skip := range imageSkip {
			if strings.Contains(lower, skip) {
				return true
			}
		}
		w, errW := strconv.Atoi(img.AttrOr("width", ""))
		h, errH := strconv.Atoi(img.AttrOr("height", ""))
		if errW == nil && errH == nil && w >= 200 && h >= 150 {
			if u := resolve(base, src); u != "" {
				out = u
				return false
			}
		}
		return true
	})
	return out
}

// resolve makes href absolute against base. Non-http schemes are dropped.
func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}
