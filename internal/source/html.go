package source

import (
	"encoding/csv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlTableCSV renders the first <table> of an HTML document as CSV. The first
// row (thead row, or the first tr) is the header. ok is false when the
// document has no table with rows.
//
// Cell text is whitespace-collapsed. colspan and rowspan are ignored.
func htmlTableCSV(html string) (string, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false, err
	}

	tbl := doc.Find("table").First()
	if tbl.Length() == 0 {
		return "", false, nil
	}

	var records [][]string
	tbl.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		// Skip rows of nested tables.
		if tr.Closest("table").Get(0) != tbl.Get(0) {
			return
		}
		var rec []string
		tr.ChildrenFiltered("th,td").Each(func(_ int, cell *goquery.Selection) {
			rec = append(rec, strings.Join(strings.Fields(cell.Text()), " "))
		})
		if len(rec) > 0 {
			records = append(records, rec)
		}
	})
	if len(records) == 0 {
		return "", false, nil
	}

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.WriteAll(records); err != nil {
		return "", false, err
	}
	return sb.String(), true, nil
}
