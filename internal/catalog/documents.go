package catalog

import (
	"fmt"
	"strings"
)

// RecordKind selects how a row returned by a data query is decoded.
type RecordKind int

const (
	KindUnknown RecordKind = iota
	KindFilm
	KindPerson
	KindGenre
)

var kindNames = map[RecordKind]string{
	KindFilm:   "film",
	KindPerson: "person",
	KindGenre:  "genre",
}

func (k RecordKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k RecordKind) MarshalText() ([]byte, error) {
	if k == KindUnknown {
		return nil, fmt.Errorf("unknown record kind")
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so kinds can be
// written by name in the catalog file.
func (k *RecordKind) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown record kind %q (want film, person or genre)", string(text))
}

// Document is a denormalized record written wholesale into a search index.
type Document interface {
	DocumentID() string
}

// GenreRef is a genre embedded in a film document.
type GenreRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PersonRef is a person embedded in a film document.
type PersonRef struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
}

// FilmDocument is the movies index document.
type FilmDocument struct {
	ID             string      `db:"id" json:"id"`
	IMDBRating     *float64    `db:"imdb_rating" json:"imdb_rating"`
	Title          *string     `db:"title" json:"title"`
	Description    *string     `db:"description" json:"description"`
	Genre          []GenreRef  `db:"genre" json:"genre"`
	GenreNames     []string    `db:"genre_names" json:"genre_names"`
	Directors      []PersonRef `db:"directors" json:"directors"`
	DirectorsNames []string    `db:"directors_names" json:"directors_names"`
	Actors         []PersonRef `db:"actors" json:"actors"`
	ActorsNames    []string    `db:"actors_names" json:"actors_names"`
	Writers        []PersonRef `db:"writers" json:"writers"`
	WritersNames   []string    `db:"writers_names" json:"writers_names"`
	Subscriptions  []string    `db:"subscriptions" json:"subscriptions"`
}

func (d *FilmDocument) DocumentID() string { return d.ID }

// PersonFilm is one film a person took part in, with every role they had.
type PersonFilm struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// PersonDocument is the persons index document.
type PersonDocument struct {
	ID       string       `db:"id" json:"id"`
	FullName string       `db:"full_name" json:"full_name"`
	Films    []PersonFilm `db:"films" json:"films"`
}

func (d *PersonDocument) DocumentID() string { return d.ID }

// GenreDocument is the genres index document.
type GenreDocument struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

func (d *GenreDocument) DocumentID() string { return d.ID }
