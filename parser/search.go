package parser

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

var (
	subjectLinkRe = regexp.MustCompile(`//(?:m\.)?book\.douban\.com/subject/(\d+)/`)
	subjectPathRe = regexp.MustCompile(`subject/(\d+)/`)
)

// SearchHit is one book candidate on a search result page.
type SearchHit struct {
	ID    string
	Title string
}

// ParseSearch collects book subject ids from a search result page, in page order.
// Both direct subject links and redirect ("link2") links are understood.
func ParseSearch(page []byte) ([]SearchHit, error) {
	doc, err := newDocument(page)
	if err != nil {
		return nil, err
	}

	var hits []SearchHit
	index := make(map[string]int)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := a.AttrOr("href", "")
		id := subjectID(href)
		if id == "" {
			return
		}
		title := strings.TrimSpace(a.AttrOr("title", ""))
		if title == "" {
			title = strings.TrimSpace(a.Text())
		}
		if i, ok := index[id]; ok {
			if hits[i].Title == "" {
				hits[i].Title = title
			}
			return
		}
		index[id] = len(hits)
		hits = append(hits, SearchHit{ID: id, Title: title})
	})
	return hits, nil
}

func subjectID(href string) string {
	if m := subjectLinkRe.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	if !strings.Contains(href, "link2") {
		return ""
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	target := parsed.Query().Get("url")
	if target == "" {
		return ""
	}
	if unescaped, err := url.QueryUnescape(target); err == nil {
		target = unescaped
	}
	if m := subjectPathRe.FindStringSubmatch(target); m != nil {
		return m[1]
	}
	return ""
}

// BestHit picks the candidate whose title is closest to name. Candidates without a
// title only win when nothing else scores; ties keep page order.
func BestHit(hits []SearchHit, name string) (SearchHit, bool) {
	if len(hits) == 0 {
		return SearchHit{}, false
	}
	name = strings.ToLower(strings.TrimSpace(name))

	best := hits[0]
	bestScore := 0.0
	for _, hit := range hits {
		if hit.Title == "" {
			continue
		}
		title := strings.ToLower(hit.Title)
		if title == name {
			return hit, true
		}
		score := matchr.JaroWinkler(name, title, false)
		if score > bestScore {
			bestScore = score
			best = hit
		}
	}
	return best, true
}
