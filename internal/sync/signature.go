package sync

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"
)

// canonical serializes [revision, [key, value], ...] with keys sorted.
func canonical(revision int64, data map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	arr := make([]interface{}, 0, len(keys)+1)
	arr = append(arr, revision)
	for _, k := range keys {
		arr = append(arr, [2]string{k, data[k]})
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign returns the base64 HMAC-SHA256 of the canonical snapshot.
func Sign(secret []byte, revision int64, data map[string]string) (string, error) {
	payload, err := canonical(revision, data)
	if err != nil {
		return "", err
	}
	m := hmac.New(sha256.New, secret)
	m.Write(payload)
	return base64.StdEncoding.EncodeToString(m.Sum(nil)), nil
}

// Verify recomputes the signature and compares it in constant time.
func Verify(secret []byte, revision int64, data map[string]string, signature string) bool {
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	payload, err := canonical(revision, data)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, secret)
	m.Write(payload)
	return hmac.Equal(m.Sum(nil), want)
}
