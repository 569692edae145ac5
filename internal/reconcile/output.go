package reconcile

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes a human-readable summary.
func (r *Report) WriteText(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "Events: %d\tAttributed: %d\n\n", r.Events, r.Attributed)

	_, _ = fmt.Fprintln(w, "CLASS\tEVENTS\tNO_LISTING\tNO_LISTER\tNO_SEEKER\tANON\tNO_LISTER_TYPE\tREJECTED")
	for _, g := range r.Classes {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			g.Class, g.Events, g.MissingListingID, g.MissingListerID, g.MissingSeekerID,
			g.AnonymousSeeker, g.UnresolvedListerType, g.Rejected)
	}

	writeCounts(w, "REJECTION", r.Rejections)

	if len(r.KeyUsage) > 0 {
		_, _ = fmt.Fprintln(w, "\nFIELD\tKEY\tRANK\tCOUNT")
		for _, k := range r.KeyUsage {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", k.Field, k.Key, k.Rank, k.Count)
		}
	}

	if len(r.NearMisses) > 0 {
		_, _ = fmt.Fprintln(w, "\nUNHANDLED_KEY\tFIELD\tLIKE\tCOUNT")
		for _, n := range r.NearMisses {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", n.Key, n.Field, n.KnownKey, n.Count)
		}
	}

	writeCounts(w, "UNKNOWN_EVENT", r.UnknownEvents)
	writeCounts(w, "RAW_LISTER_TYPE", r.ListerTypes)
	writeCounts(w, "PROPERTY_TYPE", r.PropertyTypes)
	writeCounts(w, "UNMAPPED_KEY", r.UnmappedKeys)

	return w.Flush()
}

func writeCounts(w io.Writer, header string, counts []Count) {
	if len(counts) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "\n%s\tCOUNT\n", header)
	for _, c := range counts {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", c.Name, c.Count)
	}
}

// SaveXLSX writes the report as a workbook with one sheet per section.
func (r *Report) SaveXLSX(path string) error {
	f := xlsx.NewFile()

	classes := [][]string{{"class", "events", "missing_listing_id", "missing_lister_id", "missing_seeker_id", "anonymous_seeker", "unresolved_lister_type", "rejected"}}
	for _, g := range r.Classes {
		classes = append(classes, []string{
			g.Class, itoa(g.Events), itoa(g.MissingListingID), itoa(g.MissingListerID),
			itoa(g.MissingSeekerID), itoa(g.AnonymousSeeker), itoa(g.UnresolvedListerType), itoa(g.Rejected),
		})
	}

	keys := [][]string{{"field", "key", "rank", "count"}}
	for _, k := range r.KeyUsage {
		keys = append(keys, []string{k.Field, k.Key, strconv.Itoa(k.Rank), itoa(k.Count)})
	}

	near := [][]string{{"key", "field", "known_key", "count"}}
	for _, n := range r.NearMisses {
		near = append(near, []string{n.Key, n.Field, n.KnownKey, itoa(n.Count)})
	}

	sheets := []struct {
		name string
		rows [][]string
	}{
		{"classes", classes},
		{"rejections", countRows("reason", r.Rejections)},
		{"key_usage", keys},
		{"near_misses", near},
		{"unknown_events", countRows("event", r.UnknownEvents)},
		{"lister_types", countRows("raw_lister_type", r.ListerTypes)},
		{"property_types", countRows("property_type", r.PropertyTypes)},
		{"unmapped_keys", countRows("key", r.UnmappedKeys)},
	}
	for _, s := range sheets {
		sheet, err := f.AddSheet(s.name)
		if err != nil {
			return eris.Wrapf(err, "reconcile: add sheet %s", s.name)
		}
		for _, cells := range s.rows {
			row := sheet.AddRow()
			for _, c := range cells {
				row.AddCell().SetString(c)
			}
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "reconcile: save %s", path)
	}
	return nil
}

func countRows(label string, counts []Count) [][]string {
	rows := [][]string{{label, "count"}}
	for _, c := range counts {
		rows = append(rows, []string{c.Name, itoa(c.Count)})
	}
	return rows
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
