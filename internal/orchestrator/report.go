package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"

	"github.com/johndauphine/catalog-etl/internal/catalog"
	"github.com/johndauphine/catalog-etl/internal/checkpoint"
)

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteStatus renders a status result as a table.
func WriteStatus(w io.Writer, res *StatusResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tWATERMARK\t")
	for _, t := range res.Tables {
		wm := "never"
		if t.Watermark != nil {
			wm = checkpoint.FormatWatermark(*t.Watermark)
		}
		note := ""
		if !t.Declared {
			note = "(not in catalog)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Table, wm, note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if res.Lock == nil {
		_, err := fmt.Fprintln(w, "\nLock: free")
		return err
	}
	expires := "no expiry"
	if !res.Lock.ExpiresAt.IsZero() {
		expires = "expires in " + time.Until(res.Lock.ExpiresAt).Round(time.Second).String()
	}
	_, err := fmt.Fprintf(w, "\nLock: held by %s (%s)\n", res.Lock.Owner, expires)
	return err
}

// WriteHealth renders a health check result.
func WriteHealth(w io.Writer, res *HealthCheckResult) error {
	for _, c := range res.Components {
		status := "OK"
		if !c.Connected {
			status = "FAIL: " + c.Error
		}
		if _, err := fmt.Fprintf(w, "%-16s %6dms  %s\n", c.Name, c.LatencyMs, status); err != nil {
			return err
		}
	}
	overall := "healthy"
	if !res.Healthy {
		overall = "unhealthy"
	}
	_, err := fmt.Fprintf(w, "Overall: %s\n", overall)
	return err
}

// AdapterView is the printable form of one table adapter.
type AdapterView struct {
	Table   string             `json:"table"`
	Changed string             `json:"changed_query"`
	Indexes []IndexAdapterView `json:"indexes"`
}

// IndexAdapterView is the printable form of one index adapter.
type IndexAdapterView struct {
	Index   string `json:"index"`
	Kind    string `json:"kind"`
	Data    string `json:"data_query"`
	Linking string `json:"linking_query,omitempty"`
}

// Adapters returns the active catalog in printable form.
func Adapters(cat *catalog.Catalog) []AdapterView {
	out := make([]AdapterView, 0, len(cat.Tables))
	for _, t := range cat.Tables {
		v := AdapterView{Table: t.Table, Changed: t.ChangedQuery}
		for _, ia := range t.Indexes {
			v.Indexes = append(v.Indexes, IndexAdapterView{
				Index:   ia.Index,
				Kind:    ia.Kind.String(),
				Data:    ia.DataQuery,
				Linking: ia.LinkingQuery,
			})
		}
		out = append(out, v)
	}
	return out
}

// WriteAdapters renders the catalog as a tree of tables and indexes.
func WriteAdapters(w io.Writer, cat *catalog.Catalog) error {
	for _, t := range Adapters(cat) {
		if _, err := fmt.Fprintf(w, "%s\n", t.Table); err != nil {
			return err
		}
		for _, ia := range t.Indexes {
			via := "identity"
			if ia.Linking != "" {
				via = "linked: " + oneLine(ia.Linking)
			}
			if _, err := fmt.Fprintf(w, "  -> %s (%s, %s)\n", ia.Index, ia.Kind, via); err != nil {
				return err
			}
		}
	}
	return nil
}

func oneLine(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 60 {
		q = q[:57] + "..."
	}
	return q
}
