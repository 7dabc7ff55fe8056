package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-reviews/models"
)

var (
	infoFieldRe = map[string]*regexp.Regexp{
		"subtitle":       regexp.MustCompile(`副标题:\s*([^\n]+)`),
		"original_title": regexp.MustCompile(`原作名:\s*([^\n]+)`),
		"publisher":      regexp.MustCompile(`出版社:\s*([^\n]+)`),
		"publish_year":   regexp.MustCompile(`出版年:\s*([^\n]+)`),
		"price":          regexp.MustCompile(`定价:\s*([^\n]+)`),
		"binding":        regexp.MustCompile(`装帧:\s*([^\n]+)`),
		"isbn":           regexp.MustCompile(`ISBN:\s*(\d+)`),
	}
	pagesRe      = regexp.MustCompile(`页数:\s*(\d+)`)
	authorRe     = regexp.MustCompile(`(?s)<span class="pl">\s*作者\s*</span>\s*:?(.*?)(?:<br\s*/?>|</span>)`)
	translatorRe = regexp.MustCompile(`(?s)<span class="pl">\s*译者\s*</span>\s*:?(.*?)(?:<br\s*/?>|</span>)`)
	anchorTextRe = regexp.MustCompile(`<a[^>]*>([^<]+)</a>`)
	catalogDotRe = regexp.MustCompile(`· · · · · ·`)
)

var ignoredKeywords = map[string]bool{"书评": true, "论坛": true, "推荐": true, "二手": true}

// BookInfoExtractor turns a subject page into a single book_info record.
type BookInfoExtractor struct {
	BookID string
	URL    string
	Now    func() time.Time
}

type tag struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Extract implements the page extractor contract for the subject page. The
// subject page is always the last page.
func (e *BookInfoExtractor) Extract(page []byte) ([]models.Record, bool, error) {
	doc, err := newDocument(page)
	if err != nil {
		return nil, true, err
	}

	title := text(doc.Find("h1 span[property='v:itemreviewed']"))
	if title == "" {
		title = text(doc.Find("h1"))
	}
	if title == "" && doc.Find("#info").Length() == 0 {
		return nil, true, ErrUnrecognized
	}

	rec := models.Record{
		"book_id":         e.BookID,
		"title":           title,
		"subtitle":        "",
		"original_title":  "",
		"author_list":     "[]",
		"translator_list": "[]",
		"publisher":       "",
		"publish_year":    "",
		"pages":           nil,
		"price":           "",
		"binding":         "",
		"isbn":            "",
		"series":          "",
		"rating_score":    nil,
		"rating_count":    0,
		"summary":         introText(doc.Find("#link-report").First()),
		"author_intro":    authorIntro(doc),
		"catalog":         catalog(doc),
		"douban_url":      e.URL,
		"cover_image_url": strings.Replace(doc.Find("#mainpic img").First().AttrOr("src", ""), "/s/", "/l/", 1),
		"tag_list":        JSONList(tags(doc)),
		"crawled_at":      clock(e.Now),
	}

	if info := doc.Find("#info").First(); info.Length() > 0 {
		infoText := info.Text()
		for field, re := range infoFieldRe {
			if m := re.FindStringSubmatch(infoText); m != nil {
				rec[field] = strings.TrimSpace(m[1])
			}
		}
		if m := pagesRe.FindStringSubmatch(infoText); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				rec["pages"] = n
			}
		}
		if press := text(info.Find("a[href*='/press/']")); press != "" {
			rec["publisher"] = press
		}
		rec["series"] = text(info.Find("a[href*='/series/']"))

		infoHTML, _ := info.Html()
		rec["author_list"] = JSONList(anchors(authorRe, infoHTML))
		rec["translator_list"] = JSONList(anchors(translatorRe, infoHTML))
	}

	if score, err := strconv.ParseFloat(text(doc.Find("strong.rating_num[property='v:average']")), 64); err == nil {
		rec["rating_score"] = score
	}
	rec["rating_count"] = Count(text(doc.Find("span[property='v:votes']")))

	return []models.Record{rec}, true, nil
}

func anchors(section *regexp.Regexp, html string) []string {
	out := []string{}
	m := section.FindStringSubmatch(html)
	if m == nil {
		return out
	}
	for _, a := range anchorTextRe.FindAllStringSubmatch(m[1], -1) {
		if name := strings.TrimSpace(a[1]); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// introText prefers the expanded ("all") intro over the collapsed one.
func introText(container *goquery.Selection) string {
	if container.Length() == 0 {
		return ""
	}
	for _, sel := range []string{"span.all .intro", "span.short .intro", ".intro"} {
		intro := container.Find(sel).First()
		if intro.Length() == 0 {
			continue
		}
		var paragraphs []string
		intro.Find("p").Each(func(_ int, p *goquery.Selection) {
			if t := strings.TrimSpace(p.Text()); t != "" {
				paragraphs = append(paragraphs, t)
			}
		})
		if len(paragraphs) > 0 {
			return strings.Join(paragraphs, "\n")
		}
	}
	return ""
}

func authorIntro(doc *goquery.Document) string {
	var out string
	doc.Find("h2").EachWithBreak(func(_ int, h2 *goquery.Selection) bool {
		if !strings.Contains(h2.Text(), "作者简介") {
			return true
		}
		out = introText(h2.NextAllFiltered("div.indent").First())
		return false
	})
	return out
}

func catalog(doc *goquery.Document) string {
	dir := doc.Find("div[id^='dir_'][id$='_full']").First()
	if dir.Length() == 0 {
		dir = doc.Find("div[id^='dir_'][id$='_short']").First()
	}
	if dir.Length() == 0 {
		return ""
	}
	dir = dir.Clone()
	dir.Find("br").ReplaceWithHtml("\n")
	dir.Find("a").Remove()
	out := catalogDotRe.ReplaceAllString(dir.Text(), "")
	return NormalizeText(out)
}

func tags(doc *goquery.Document) []tag {
	out := []tag{}
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		var data map[string]any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return
		}
		keywords, ok := data["keywords"].(string)
		if !ok {
			return
		}
		out = splitKeywords(keywords, false)
	})
	if len(out) > 0 {
		return out
	}
	if content, ok := doc.Find("meta[name='keywords']").First().Attr("content"); ok {
		out = splitKeywords(content, true)
	}
	return out
}

func splitKeywords(raw string, filter bool) []tag {
	out := []tag{}
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k == "" || (filter && ignoredKeywords[k]) {
			continue
		}
		out = append(out, tag{Name: k})
	}
	return out
}
