package portal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	totalPagesPattern = regexp.MustCompile(`de (\d+) páginas`)
	safeIDPattern     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

// layout describes how a portal renders its notification listing.
type layout struct {
	table string
	rows  string
	// attachment matches any control hinting at a document in a row.
	attachment string
	// download matches the control that triggers the download.
	download string
	extract  func(row *goquery.Selection) Notification
}

func parseDocument(raw string) (*goquery.Document, error) {
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return goquery.NewDocumentFromNode(root), nil
}

func (l layout) rowSelection(doc *goquery.Document) *goquery.Selection {
	table := doc.Find(l.table).First()
	if table.Length() == 0 {
		return table
	}
	return table.Find(l.rows)
}

// parse extracts every data row, skipping header rows without content.
func (l layout) parse(doc *goquery.Document, service string) []Notification {
	var out []Notification
	l.rowSelection(doc).Each(func(_ int, row *goquery.Selection) {
		n := l.extract(row)
		if n.ID == "" && n.Date == "" && n.Subject == "" && n.Status == "" {
			return
		}
		n.Service = service
		n.HasAttachment = row.Find(l.attachment).Length() > 0
		n.Read = isRead(row, n.Status)
		out = append(out, n)
	})
	return out
}

// downloadTarget returns a selector for the download control of the row with id.
func (l layout) downloadTarget(doc *goquery.Document, id string) (string, bool) {
	var target string
	l.rowSelection(doc).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if l.extract(row).ID != id {
			return true
		}
		ctrl := row.Find(l.download).First()
		if ctrl.Length() > 0 {
			target = cssPath(ctrl.Get(0))
		}
		return false
	})
	return target, target != ""
}

func cellText(row *goquery.Selection, i int) string {
	return text(row.Find("td").Eq(i))
}

// text approximates innerText: trimmed with internal whitespace collapsed.
func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func firstText(row *goquery.Selection, selector string) string {
	return text(row.Find(selector).First())
}

func isRead(row *goquery.Selection, status string) bool {
	if row.HasClass("leido") || row.HasClass("read") {
		return true
	}
	s := strings.ToLower(status)
	if strings.Contains(s, "no le") {
		return false
	}
	return strings.Contains(s, "leído") || strings.Contains(s, "leida") || strings.Contains(s, "leída")
}

// totalPages reads the page count from a paginator: the highest numbered
// link, or a "de N páginas" caption. No paginator means one page.
func totalPages(doc *goquery.Document, paginator string) int {
	pag := doc.Find(paginator).First()
	if pag.Length() == 0 {
		return 1
	}
	total := 1
	pag.Find("a").Each(func(_ int, a *goquery.Selection) {
		if n, err := strconv.Atoi(text(a)); err == nil && n > total {
			total = n
		}
	})
	if total > 1 {
		return total
	}
	if m := totalPagesPattern.FindStringSubmatch(pag.Text()); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// findClickable locates the first element matching selector whose text
// equals label, then one that contains it.
func findClickable(doc *goquery.Document, selector, label string) (string, bool) {
	candidates := doc.Find(selector)
	match := candidates.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return text(s) == label
	}).First()
	if match.Length() == 0 {
		match = candidates.FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.Contains(text(s), label)
		}).First()
	}
	if match.Length() == 0 {
		return "", false
	}
	return cssPath(match.Get(0)), true
}

// firstMatch returns a selector for the first element matching selector.
func firstMatch(doc *goquery.Document, selector string) (string, bool) {
	s := doc.Find(selector).First()
	if s.Length() == 0 {
		return "", false
	}
	return cssPath(s.Get(0)), true
}

// cssPath builds a selector that addresses n alone, anchored on the nearest
// ancestor with a plain id.
func cssPath(n *html.Node) string {
	var parts []string
	for ; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if id := attr(n, "id"); safeIDPattern.MatchString(id) {
			parts = append(parts, "#"+id)
			break
		}
		if n.Parent == nil || n.Parent.Type != html.ElementNode {
			parts = append(parts, n.Data)
			break
		}
		idx := 1
		for s := n.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode {
				idx++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", n.Data, idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
