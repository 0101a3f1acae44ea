package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "alice.json")
	if err := SaveKeystore(path, key, "correct horse", LightKeystore); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat keystore: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("unexpected keystore permissions %o", perm)
	}

	loaded, err := LoadKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if !loaded.PubKey().Address().Equal(key.PubKey().Address()) {
		t.Fatalf("loaded key derives a different address")
	}
	if _, err := LoadKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestSaveKeystoreRejectsMissingInputs(t *testing.T) {
	if err := SaveKeystore("x.json", nil, "pw", LightKeystore); err == nil {
		t.Fatalf("expected nil key to fail")
	}
	key, _ := GeneratePrivateKey()
	if err := SaveKeystore("", key, "pw", LightKeystore); err == nil {
		t.Fatalf("expected empty path to fail")
	}
}
