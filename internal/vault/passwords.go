package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pfpvault/internal/entries"
)

// NormalizeSite lower-cases a host name and strips a leading "www.".
func NormalizeSite(site string) string {
	site = strings.ToLower(strings.TrimSpace(site))
	return strings.TrimPrefix(site, "www.")
}

func (v *Vault) siteKeyFor(ctx context.Context, site string) (string, []byte, error) {
	secret, err := v.HMACSecret(ctx)
	if err != nil {
		return "", nil, err
	}
	return siteKey(secret, site), secret, nil
}

func (v *Vault) getSite(ctx context.Context, site string) (entries.Site, error) {
	key, _, err := v.siteKeyFor(ctx, site)
	if err != nil {
		return entries.Site{}, err
	}
	raw, err := v.store.Get(ctx, key)
	if err != nil {
		return entries.Site{}, err
	}
	var s entries.Site
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return entries.Site{}, fmt.Errorf("%w: site record: %v", ErrCorrupt, err)
	}
	return s, nil
}

// ResolveSite follows an alias to the site that holds the entries.
func (v *Vault) ResolveSite(ctx context.Context, site string) (string, error) {
	site = NormalizeSite(site)
	s, err := v.getSite(ctx, site)
	if errors.Is(err, ErrNotFound) {
		return site, nil
	}
	if err != nil {
		return "", err
	}
	if s.Alias != "" {
		return s.Alias, nil
	}
	return site, nil
}

// AddEntry stores a new entry. It fails with ErrAlreadyExists when the same
// site, name and revision are taken.
func (v *Vault) AddEntry(ctx context.Context, e entries.Entry) error {
	site, err := v.ResolveSite(ctx, e.Site)
	if err != nil {
		return err
	}
	e.Site = site
	if err := e.Validate(); err != nil {
		return err
	}
	sk, secret, err := v.siteKeyFor(ctx, site)
	if err != nil {
		return err
	}
	key := entryKey(secret, site, e.Name, e.Revision)
	if _, err := v.store.Get(ctx, key); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	items := map[string]string{key: string(body)}
	if _, err := v.getSite(ctx, site); errors.Is(err, ErrNotFound) {
		rec, _ := json.Marshal(entries.Site{Site: site})
		items[sk] = string(rec)
	} else if err != nil {
		return err
	}
	return v.store.SetMany(ctx, items)
}

func (v *Vault) GetEntry(ctx context.Context, site, name, revision string) (entries.Entry, error) {
	site, err := v.ResolveSite(ctx, site)
	if err != nil {
		return entries.Entry{}, err
	}
	secret, err := v.HMACSecret(ctx)
	if err != nil {
		return entries.Entry{}, err
	}
	raw, err := v.store.Get(ctx, entryKey(secret, site, name, revision))
	if err != nil {
		return entries.Entry{}, err
	}
	return entries.Decode([]byte(raw))
}

// ListEntries returns the entries of a site ordered by name and revision.
func (v *Vault) ListEntries(ctx context.Context, site string) ([]entries.Entry, error) {
	site, err := v.ResolveSite(ctx, site)
	if err != nil {
		return nil, err
	}
	sk, _, err := v.siteKeyFor(ctx, site)
	if err != nil {
		return nil, err
	}
	raw, err := v.store.GetAllByPrefix(ctx, sk+":")
	if err != nil {
		return nil, err
	}
	out := make([]entries.Entry, 0, len(raw))
	for _, body := range raw {
		e, err := entries.Decode([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Revision < out[j].Revision
	})
	return out, nil
}

func (v *Vault) RemoveEntry(ctx context.Context, site, name, revision string) error {
	site, err := v.ResolveSite(ctx, site)
	if err != nil {
		return err
	}
	secret, err := v.HMACSecret(ctx)
	if err != nil {
		return err
	}
	key := entryKey(secret, site, name, revision)
	if _, err := v.store.Get(ctx, key); err != nil {
		return err
	}
	return v.store.Delete(ctx, key)
}

func (v *Vault) SetNotes(ctx context.Context, site, name, revision, notes string) error {
	e, err := v.GetEntry(ctx, site, name, revision)
	if err != nil {
		return err
	}
	e.Notes = notes
	secret, err := v.HMACSecret(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return v.store.Set(ctx, entryKey(secret, e.Site, e.Name, e.Revision), string(body))
}

// AddAlias makes site share the entries of target. Aliases do not chain and a
// site that has entries of its own cannot become an alias.
func (v *Vault) AddAlias(ctx context.Context, site, target string) error {
	site, target = NormalizeSite(site), NormalizeSite(target)
	if site == target {
		return fmt.Errorf("%w: site aliased to itself", entries.ErrInvalid)
	}
	target, err := v.ResolveSite(ctx, target)
	if err != nil {
		return err
	}
	own, err := v.ListEntries(ctx, site)
	if err != nil {
		return err
	}
	if len(own) > 0 {
		if current, _ := v.ResolveSite(ctx, site); current == site {
			return ErrAlreadyExists
		}
	}
	sk, _, err := v.siteKeyFor(ctx, site)
	if err != nil {
		return err
	}
	rec, err := json.Marshal(entries.Site{Site: site, Alias: target})
	if err != nil {
		return err
	}
	return v.store.Set(ctx, sk, string(rec))
}

func (v *Vault) RemoveAlias(ctx context.Context, site string) error {
	site = NormalizeSite(site)
	s, err := v.getSite(ctx, site)
	if err != nil {
		return err
	}
	if s.Alias == "" {
		return ErrNotFound
	}
	sk, _, err := v.siteKeyFor(ctx, site)
	if err != nil {
		return err
	}
	return v.store.Delete(ctx, sk)
}

// ListSites returns every known site record, aliases included.
func (v *Vault) ListSites(ctx context.Context) ([]entries.Site, error) {
	raw, err := v.store.GetAllByPrefix(ctx, PrefixSite)
	if err != nil {
		return nil, err
	}
	var out []entries.Site
	for k, body := range raw {
		if strings.Contains(strings.TrimPrefix(k, PrefixSite), ":") {
			continue
		}
		var s entries.Site
		if err := json.Unmarshal([]byte(body), &s); err != nil {
			return nil, fmt.Errorf("%w: site record: %v", ErrCorrupt, err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out, nil
}

// GetPref and SetPref access unencrypted local preferences.
func (v *Vault) GetPref(ctx context.Context, name string) (string, error) {
	return v.store.Get(ctx, PrefixPref+name)
}

func (v *Vault) SetPref(ctx context.Context, name, value string) error {
	return v.store.Set(ctx, PrefixPref+name, value)
}
