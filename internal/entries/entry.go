// Package entries defines the password records kept per site and the
// migration of older record shapes into the current one.
package entries

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindGenerated Kind = "generated3"
	KindStored    Kind = "stored"
)

var (
	ErrUnknownKind = errors.New("entries: unknown entry type")
	ErrInvalid     = errors.New("entries: invalid entry")
)

// Password is either *Generated or *Stored.
type Password interface {
	Kind() Kind
	Value() string
}

// Generated is a random password together with the rules it was made with,
// so it can be regenerated under a new revision.
type Generated struct {
	Length   int
	Charset  Charset
	Password string
}

func (g *Generated) Kind() Kind { return KindGenerated }

func (g *Generated) Value() string { return g.Password }

// Stored is a password the user typed or imported.
type Stored struct {
	Password string
}

func (s *Stored) Kind() Kind { return KindStored }

func (s *Stored) Value() string { return s.Password }

// Entry is one login on a site. Site, Name and Revision identify it.
type Entry struct {
	Site     string
	Name     string
	Revision string
	Notes    string
	Password Password
}

func (e Entry) Validate() error {
	if strings.TrimSpace(e.Site) == "" {
		return fmt.Errorf("%w: site required", ErrInvalid)
	}
	if e.Password == nil {
		return fmt.Errorf("%w: password required", ErrInvalid)
	}
	if g, ok := e.Password.(*Generated); ok {
		if err := g.Charset.validate(g.Length); err != nil {
			return err
		}
	}
	return nil
}

// Site is the record kept under the site key itself. A non-empty Alias means
// the site's entries live under another site.
type Site struct {
	Site  string `json:"site"`
	Alias string `json:"alias,omitempty"`
}

// wire is the current serialized shape.
type wire struct {
	Type     Kind   `json:"type"`
	Site     string `json:"site"`
	Name     string `json:"name"`
	Revision string `json:"revision"`
	Notes    string `json:"notes,omitempty"`
	Password string `json:"password"`
	Length   int    `json:"length,omitempty"`
	Lower    bool   `json:"lower,omitempty"`
	Upper    bool   `json:"upper,omitempty"`
	Number   bool   `json:"number,omitempty"`
	Symbol   bool   `json:"symbol,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Password == nil {
		return nil, fmt.Errorf("%w: password required", ErrInvalid)
	}
	w := wire{
		Type:     e.Password.Kind(),
		Site:     e.Site,
		Name:     e.Name,
		Revision: e.Revision,
		Notes:    e.Notes,
		Password: e.Password.Value(),
	}
	if g, ok := e.Password.(*Generated); ok {
		w.Length = g.Length
		w.Lower, w.Upper, w.Number, w.Symbol = g.Charset.Lower, g.Charset.Upper, g.Charset.Number, g.Charset.Symbol
	}
	return json.Marshal(w)
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	out, err := Decode(b)
	if err != nil {
		return err
	}
	*e = out
	return nil
}

// Decode parses any known entry shape, migrating older ones.
func Decode(b []byte) (Entry, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return Entry{}, fmt.Errorf("entries: %w", err)
	}
	switch probe.Type {
	case KindGenerated, KindStored:
		var w wire
		if err := json.Unmarshal(b, &w); err != nil {
			return Entry{}, fmt.Errorf("entries: %w", err)
		}
		return fromWire(w), nil
	case legacyGenerated, legacyStored:
		return migrateLegacy(b)
	default:
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownKind, probe.Type)
	}
}

func fromWire(w wire) Entry {
	e := Entry{Site: w.Site, Name: w.Name, Revision: w.Revision, Notes: w.Notes}
	if w.Type == KindGenerated {
		e.Password = &Generated{
			Length:   w.Length,
			Charset:  Charset{Lower: w.Lower, Upper: w.Upper, Number: w.Number, Symbol: w.Symbol},
			Password: w.Password,
		}
	} else {
		e.Password = &Stored{Password: w.Password}
	}
	return e
}
