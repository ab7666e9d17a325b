package entries

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Shapes written by format 2 clients.
const (
	legacyGenerated Kind = "generated2"
	legacyStored    Kind = "stored2"
)

type legacyWire struct {
	Type     Kind   `json:"type"`
	Site     string `json:"site"`
	Name     string `json:"name"`
	Revision string `json:"revision"`
	Notes    string `json:"notes"`
	Pass     string `json:"pass"`
	Length   int    `json:"length"`
	Chars    string `json:"chars"` // comma separated: lower,upper,number,symbol
}

func migrateLegacy(b []byte) (Entry, error) {
	var w legacyWire
	if err := json.Unmarshal(b, &w); err != nil {
		return Entry{}, fmt.Errorf("entries: %w", err)
	}
	e := Entry{Site: w.Site, Name: w.Name, Revision: w.Revision, Notes: w.Notes}
	if w.Type == legacyStored {
		e.Password = &Stored{Password: w.Pass}
		return e, nil
	}
	var cs Charset
	for _, c := range strings.Split(w.Chars, ",") {
		switch strings.TrimSpace(c) {
		case "lower":
			cs.Lower = true
		case "upper":
			cs.Upper = true
		case "number":
			cs.Number = true
		case "symbol":
			cs.Symbol = true
		case "":
		default:
			return Entry{}, fmt.Errorf("%w: unknown charset %q", ErrInvalid, c)
		}
	}
	e.Password = &Generated{Length: w.Length, Charset: cs, Password: w.Pass}
	return e, nil
}
