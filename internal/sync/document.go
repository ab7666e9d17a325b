package sync

import (
	"encoding/json"
	"fmt"

	"pfpvault/internal/vault"
)

const (
	Application   = "pfp"
	FormatCurrent = 3
	formatLegacy  = 2
)

// Document is the single remote object shared by all devices.
type Document struct {
	Application string            `json:"application"`
	Format      int               `json:"format"`
	Revision    int64             `json:"revision"`
	Signature   string            `json:"signature"`
	Data        map[string]string `json:"data"`
}

// ParseDocument validates shape and version. Content checks happen later.
func ParseDocument(b []byte) (*Document, error) {
	var raw struct {
		Application string            `json:"application"`
		Format      int               `json:"format"`
		Revision    json.RawMessage   `json:"revision"`
		Signature   string            `json:"signature"`
		Data        map[string]string `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownDataFormat, err)
	}
	if raw.Application != Application {
		return nil, fmt.Errorf("%w: application %q", ErrUnknownDataFormat, raw.Application)
	}
	if raw.Format != FormatCurrent && raw.Format != formatLegacy {
		return nil, fmt.Errorf("%w: format %d", ErrUnknownDataFormat, raw.Format)
	}
	if len(raw.Revision) == 0 || string(raw.Revision) == "null" {
		return nil, fmt.Errorf("%w: missing revision", ErrUnknownDataFormat)
	}
	var rev int64
	if raw.Revision[0] == '"' || json.Unmarshal(raw.Revision, &rev) != nil || rev < 0 {
		return nil, fmt.Errorf("%w: bad revision %s", ErrUnknownDataFormat, raw.Revision)
	}
	if raw.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrUnknownDataFormat)
	}
	for _, k := range vault.MetadataKeys {
		if _, ok := raw.Data[k]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrUnknownDataFormat, k)
		}
	}
	for k := range raw.Data {
		if !vault.IsSyncable(k) {
			return nil, fmt.Errorf("%w: unexpected key", ErrUnknownDataFormat)
		}
	}
	return &Document{
		Application: raw.Application,
		Format:      raw.Format,
		Revision:    rev,
		Signature:   raw.Signature,
		Data:        raw.Data,
	}, nil
}

// NewDocument builds and signs a current-format document.
func NewDocument(secret []byte, revision int64, data map[string]string) (*Document, error) {
	sig, err := Sign(secret, revision, data)
	if err != nil {
		return nil, err
	}
	return &Document{
		Application: Application,
		Format:      FormatCurrent,
		Revision:    revision,
		Signature:   sig,
		Data:        data,
	}, nil
}

func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}
