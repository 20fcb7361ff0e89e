// Package catalog declares which source tables trigger re-indexing and how
// a changed row fans out to search index documents.
//
// The catalog is static configuration read once at startup. The default
// catalog is embedded (adapters.yaml plus schemas/*.json); an alternative
// file can be supplied with the same layout.
package catalog

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed adapters.yaml schemas/*.json
var embedded embed.FS

// DefaultFile is the catalog file name inside the embedded filesystem.
const DefaultFile = "adapters.yaml"

// IndexAdapter maps changed source ids to documents of one index.
type IndexAdapter struct {
	// Index is the target index name.
	Index string

	// Kind selects the row decoder for DataQuery results.
	Kind RecordKind

	// DataQuery fetches full documents. $1 is a text[] of target ids.
	DataQuery string

	// LinkingQuery maps changed ids to target ids. $1 is a text[] of changed
	// ids; the query returns a single id column. Empty means the changed
	// ids are the target ids.
	LinkingQuery string
}

// HasLinking reports whether target ids must be resolved through a join.
func (a IndexAdapter) HasLinking() bool {
	return a.LinkingQuery != ""
}

// TableAdapter declares one watermark-tracked source table.
type TableAdapter struct {
	// Table is the watermark key, e.g. "filmwork".
	Table string

	// ChangedQuery returns (id, modified) rows with modified > $1 ordered by
	// modified ascending.
	ChangedQuery string

	// Indexes are processed in declared order for every chunk.
	Indexes []IndexAdapter
}

// Index is a target index and its creation body (settings + mappings).
type Index struct {
	Name   string
	Schema []byte
}

// Catalog is the full set of table adapters and target indexes.
type Catalog struct {
	Tables  []TableAdapter
	Indexes []Index
}

type fileIndex struct {
	Name   string `yaml:"name"`
	Schema string `yaml:"schema"`
}

type fileIndexAdapter struct {
	Index   string     `yaml:"index"`
	Kind    RecordKind `yaml:"kind"`
	Data    string     `yaml:"data"`
	Linking string     `yaml:"linking"`
}

type fileTable struct {
	Table   string             `yaml:"table"`
	Changed string             `yaml:"changed"`
	Indexes []fileIndexAdapter `yaml:"indexes"`
}

type catalogFile struct {
	Indexes []fileIndex       `yaml:"indexes"`
	Queries map[string]string `yaml:"queries"`
	Tables  []fileTable       `yaml:"tables"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return LoadFS(embedded, DefaultFile)
}

// Load reads a catalog file from disk. Schema paths are resolved relative
// to the file's directory.
func Load(file string) (*Catalog, error) {
	if file == "" {
		return Default()
	}
	return LoadFS(os.DirFS(filepath.Dir(file)), filepath.Base(file))
}

// LoadFS reads and validates a catalog from fsys.
func LoadFS(fsys fs.FS, name string) (*Catalog, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", name, err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", name, err)
	}

	c := &Catalog{}
	known := make(map[string]bool)
	for _, idx := range f.Indexes {
		if idx.Name == "" {
			return nil, fmt.Errorf("index without name")
		}
		if known[idx.Name] {
			return nil, fmt.Errorf("index %s declared twice", idx.Name)
		}
		schema, err := fs.ReadFile(fsys, path.Clean(idx.Schema))
		if err != nil {
			return nil, fmt.Errorf("reading schema for index %s: %w", idx.Name, err)
		}
		known[idx.Name] = true
		c.Indexes = append(c.Indexes, Index{Name: idx.Name, Schema: schema})
	}

	query := func(table, ref string) (string, error) {
		if ref == "" {
			return "", nil
		}
		q, ok := f.Queries[ref]
		if !ok || q == "" {
			return "", fmt.Errorf("table %s: unknown query %q", table, ref)
		}
		return q, nil
	}

	seen := make(map[string]bool)
	for _, ft := range f.Tables {
		if ft.Table == "" {
			return nil, fmt.Errorf("table adapter without table name")
		}
		if seen[ft.Table] {
			return nil, fmt.Errorf("table %s declared twice", ft.Table)
		}
		seen[ft.Table] = true

		changed, err := query(ft.Table, ft.Changed)
		if err != nil {
			return nil, err
		}
		if changed == "" {
			return nil, fmt.Errorf("table %s: changed query is required", ft.Table)
		}
		if len(ft.Indexes) == 0 {
			return nil, fmt.Errorf("table %s: no index adapters", ft.Table)
		}

		ta := TableAdapter{Table: ft.Table, ChangedQuery: changed}
		for _, fi := range ft.Indexes {
			if !known[fi.Index] {
				return nil, fmt.Errorf("table %s: undeclared index %q", ft.Table, fi.Index)
			}
			if fi.Kind == KindUnknown {
				return nil, fmt.Errorf("table %s, index %s: kind is required", ft.Table, fi.Index)
			}
			data, err := query(ft.Table, fi.Data)
			if err != nil {
				return nil, err
			}
			if data == "" {
				return nil, fmt.Errorf("table %s, index %s: data query is required", ft.Table, fi.Index)
			}
			linking, err := query(ft.Table, fi.Linking)
			if err != nil {
				return nil, err
			}
			ta.Indexes = append(ta.Indexes, IndexAdapter{
				Index:        fi.Index,
				Kind:         fi.Kind,
				DataQuery:    data,
				LinkingQuery: linking,
			})
		}
		c.Tables = append(c.Tables, ta)
	}

	if len(c.Tables) == 0 {
		return nil, fmt.Errorf("catalog %s declares no tables", name)
	}
	return c, nil
}

// Select returns a catalog restricted to the named tables, keeping declared
// order. An empty list returns c unchanged.
func (c *Catalog) Select(tables []string) (*Catalog, error) {
	if len(tables) == 0 {
		return c, nil
	}
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[t] = true
	}
	out := &Catalog{Indexes: c.Indexes}
	for _, ta := range c.Tables {
		if want[ta.Table] {
			out.Tables = append(out.Tables, ta)
			delete(want, ta.Table)
		}
	}
	for t := range want {
		return nil, fmt.Errorf("unknown table %q", t)
	}
	return out, nil
}

// Index returns the declared index with the given name.
func (c *Catalog) Index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// TableNames returns the adapter tables in declared order.
func (c *Catalog) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Table
	}
	return names
}
