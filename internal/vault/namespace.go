package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Key layout of the store.
const (
	PrefixSite  = "site:"
	PrefixPref  = "pref:"
	PrefixSync  = "sync:"
	PrefixMeta  = "meta:"
	PrefixStage = "stage:"

	KeySalt       = "salt"
	KeyHMACSecret = "hmac-secret"
	KeySyncSecret = "sync-secret"

	keyVerifier    = PrefixMeta + "verifier"
	keyKDF         = PrefixMeta + "kdf"
	keyPreviousKey = PrefixMeta + "previous-key"
	keyRekey       = PrefixMeta + "rekey"
)

// MetadataKeys are always part of the synced data set.
var MetadataKeys = []string{KeySalt, KeyHMACSecret, KeySyncSecret}

// IsSyncable reports whether key belongs to the partition mirrored to the
// remote store.
func IsSyncable(key string) bool {
	if strings.HasPrefix(key, PrefixSite) {
		return true
	}
	for _, k := range MetadataKeys {
		if key == k {
			return true
		}
	}
	return false
}

// IsPlaintext reports whether key is stored without encryption.
func IsPlaintext(key string) bool {
	return key == KeySalt ||
		strings.HasPrefix(key, PrefixPref) ||
		strings.HasPrefix(key, PrefixSync) ||
		strings.HasPrefix(key, PrefixMeta) ||
		strings.HasPrefix(key, PrefixStage)
}

func siteKey(hmacSecret []byte, site string) string {
	return PrefixSite + digest(hmacSecret, site)
}

func entryKey(hmacSecret []byte, site, name, revision string) string {
	return siteKey(hmacSecret, site) + ":" + digest(hmacSecret, site+"\x00"+name+"\x00"+revision)
}

func digest(secret []byte, s string) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(s))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
