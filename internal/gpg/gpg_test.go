package gpg

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/ProtonMail/gopenpgp/v2/helper"
)

// genSignedFixture generates an ephemeral key, signs message with it
// and returns the armored public key and armored signature.
func genSignedFixture(t *testing.T, message []byte) (pubKey, signature string) {
	t.Helper()

	armoredPriv, err := helper.GenerateKey("test", "test@example.com", nil, "x25519", 0)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	priv, err := crypto.NewKeyFromArmored(armoredPriv)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	pub, err := priv.GetArmoredPublicKey()
	if err != nil {
		t.Fatalf("armor public key: %v", err)
	}
	ring, err := crypto.NewKeyRing(priv)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	sig, err := ring.SignDetached(crypto.NewPlainMessage(message))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	armoredSig, err := sig.GetArmored()
	if err != nil {
		t.Fatalf("armor signature: %v", err)
	}
	return pub, armoredSig
}

func TestVerifyDetached(t *testing.T) {
	message := []byte("package bytes")
	pub, sig := genSignedFixture(t, message)

	kr := NewKeyRing()
	if err := kr.AddArmoredKey(pub); err != nil {
		t.Fatalf("AddArmoredKey: %v", err)
	}

	if err := kr.VerifyDetached(message, []byte(sig)); err != nil {
		t.Errorf("VerifyDetached: %v", err)
	}
	if err := kr.VerifyDetached([]byte("tampered"), []byte(sig)); err == nil {
		t.Error("tampered message should fail verification")
	}
}

func TestVerifyDetachedEmptyRing(t *testing.T) {
	kr := NewKeyRing()
	if err := kr.VerifyDetached([]byte("m"), []byte("s")); !errors.Is(err, ErrNoKeys) {
		t.Errorf("err = %v, want ErrNoKeys", err)
	}
}

func TestNewKeyRingFromFile(t *testing.T) {
	pub, _ := genSignedFixture(t, []byte("m"))
	keyFile := filepath.Join(t.TempDir(), "pub.asc")
	if err := os.WriteFile(keyFile, []byte(pub), 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	if _, err := NewKeyRingFromFile(keyFile); err != nil {
		t.Errorf("NewKeyRingFromFile: %v", err)
	}
	if _, err := NewKeyRingFromFile(filepath.Join(t.TempDir(), "missing.asc")); err == nil {
		t.Error("missing key file should fail")
	}
}

func TestVerifyFile(t *testing.T) {
	message := []byte("archive content")
	pub, sig := genSignedFixture(t, message)

	archive := filepath.Join(t.TempDir(), "pkg.zip")
	if err := os.WriteFile(archive, message, 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sig))
	}))
	defer server.Close()

	kr := NewKeyRing()
	if err := kr.AddArmoredKey(pub); err != nil {
		t.Fatalf("AddArmoredKey: %v", err)
	}

	if err := kr.VerifyFile(context.Background(), archive, server.URL+"/pkg.zip.asc"); err != nil {
		t.Errorf("VerifyFile: %v", err)
	}
}
