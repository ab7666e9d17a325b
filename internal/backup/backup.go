// Package backup writes the synced part of a vault to a file and restores it.
// Values stay encrypted; restoring needs the master password the backup was
// made with.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ulikunitz/xz"

	"pfpvault/internal/crypto"
	"pfpvault/internal/vault"
)

const (
	Application = "pfp"
	Format      = 3

	maxSize = 64 << 20
)

var ErrFormat = errors.New("backup: unrecognized file")

var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// File has the shape of the remote document, without revision or signature.
type File struct {
	Application string            `json:"application"`
	Format      int               `json:"format"`
	Created     time.Time         `json:"created"`
	KDF         crypto.KDFParams  `json:"kdf"`
	Data        map[string]string `json:"data"`
}

type ExportOptions struct {
	// Compress writes an .xz stream.
	Compress bool
}

// Export writes the site records and key metadata of v to w. It returns the
// number of records written.
func Export(ctx context.Context, v *vault.Vault, w io.Writer, opts ExportOptions) (int, error) {
	store := v.Store()
	data, err := store.ScanRaw(ctx, vault.PrefixSite)
	if err != nil {
		return 0, err
	}
	meta, err := store.GetRaw(ctx, vault.MetadataKeys)
	if err != nil {
		return 0, err
	}
	for _, k := range vault.MetadataKeys {
		val, ok := meta[k]
		if !ok {
			return 0, fmt.Errorf("backup: %w: missing %s", vault.ErrNotInitialized, k)
		}
		data[k] = val
	}

	f := File{
		Application: Application,
		Format:      Format,
		Created:     time.Now().UTC(),
		KDF:         v.KDFParams(ctx),
		Data:        data,
	}

	out := w
	var zw *xz.Writer
	if opts.Compress {
		if zw, err = xz.NewWriter(w); err != nil {
			return 0, err
		}
		out = zw
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return 0, err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

// Read decodes a plain or xz-compressed backup and checks its shape.
func Read(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)
	var in io.Reader = br
	if head, _ := br.Peek(len(xzMagic)); bytes.Equal(head, xzMagic) {
		zr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		in = zr
	}
	b, err := io.ReadAll(io.LimitReader(in, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if len(b) > maxSize {
		return nil, fmt.Errorf("%w: too large", ErrFormat)
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if f.Application != Application || f.Format != Format || f.Data == nil {
		return nil, fmt.Errorf("%w: application %q format %d", ErrFormat, f.Application, f.Format)
	}
	for _, k := range vault.MetadataKeys {
		if _, ok := f.Data[k]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrFormat, k)
		}
	}
	for k := range f.Data {
		if !vault.IsSyncable(k) {
			return nil, fmt.Errorf("%w: unexpected key", ErrFormat)
		}
	}
	if err := f.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return &f, nil
}

type ImportOptions struct {
	// Listener is told about every replaced key, e.g. the sync change
	// tracker so that the restored data gets pushed.
	Listener vault.ModificationListener
}

// Import replaces the synced part of v, and its master key, with the backup
// read from r. password must be the one the backup was made with.
func Import(ctx context.Context, v *vault.Vault, r io.Reader, password []byte, opts ImportOptions) (int, error) {
	f, err := Read(r)
	if err != nil {
		return 0, err
	}
	salt, err := crypto.DecodeSalt(f.Data[vault.KeySalt])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	next, err := crypto.DeriveMasterKey(password, salt, f.KDF)
	if err != nil {
		return 0, err
	}
	defer next.Destroy()
	if _, err := vault.Decrypt(next, vault.KeyHMACSecret, f.Data[vault.KeyHMACSecret]); err != nil {
		return 0, vault.ErrWrongPassword
	}

	local, err := v.Store().ScanRaw(ctx, vault.PrefixSite)
	if err != nil {
		return 0, err
	}
	var remove []string
	for k := range local {
		if _, ok := f.Data[k]; !ok {
			remove = append(remove, k)
		}
	}
	if err := v.Rekey(ctx, next, f.Data, remove); err != nil {
		return 0, err
	}

	if opts.Listener != nil {
		keys := append([]string(nil), remove...)
		for k := range f.Data {
			keys = append(keys, k)
		}
		if err := opts.Listener.OnModified(ctx, keys); err != nil {
			return 0, err
		}
	}
	return len(f.Data), nil
}
