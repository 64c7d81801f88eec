package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadSnapshot reads a snapshot file, decrypting when a secret is
// set. A missing file is not an error: ok reports whether data was
// loaded.
func ReadSnapshot(path, secret string, v any) (ok bool, err error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if secret != "" {
		raw, err = Decrypt(secret, raw)
		if err != nil {
			return false, err
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// WriteSnapshot marshals v, optionally encrypts it, and replaces the
// snapshot file via a same-directory rename so readers never observe
// a torn write.
func WriteSnapshot(path, secret string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if secret != "" {
		payload, err = Encrypt(secret, payload)
		if err != nil {
			return err
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
