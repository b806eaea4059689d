package primitives

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestMLKEMRoundTrip(t *testing.T) {
	kp, err := MLKEMKeygen(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ct, ss1, err := MLKEMEncaps(kp.PublicKey[:])
	if err != nil {
		t.Fatal(err)
	}
	ss2, err := MLKEMDecaps(kp.PrivateKey[:], ct[:])
	if err != nil {
		t.Fatal(err)
	}
	if ss1 != ss2 {
		t.Fatalf("shared secrets disagree: %x != %x", ss1, ss2)
	}
}

func TestMLKEMDecapsRejectsBadSizes(t *testing.T) {
	if _, err := MLKEMDecaps(make([]byte, 10), make([]byte, KEMCiphertextSize)); err == nil {
		t.Fatal("expected error for short private key")
	}
	if _, _, err := MLKEMEncaps(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short public key")
	}
}

func TestMLDSASignVerify(t *testing.T) {
	kp, err := MLDSAKeygen(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("MISP" + "binds the spk to the identity key")
	sig, err := MLDSASign(kp.PrivateKey[:], msg)
	if err != nil {
		t.Fatal(err)
	}
	if !MLDSAVerify(kp.PublicKey[:], msg, sig[:]) {
		t.Fatal("expected valid signature to verify")
	}
	if MLDSAVerify(kp.PublicKey[:], []byte("tampered message"), sig[:]) {
		t.Fatal("expected verification to fail for tampered message")
	}

	other, err := MLDSAKeygen(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if MLDSAVerify(other.PublicKey[:], msg, sig[:]) {
		t.Fatal("expected verification to fail under the wrong key")
	}
}

func TestSizesMatchSpec(t *testing.T) {
	if KEMPublicKeySize != 1184 || KEMPrivateKeySize != 2400 || KEMCiphertextSize != 1088 || KEMSharedKeySize != 32 {
		t.Fatal("ml-kem-768 sizes do not match spec §3")
	}
	if SigPublicKeySize != 1952 || SigPrivateKeySize != 4032 || SignatureSize != 3309 {
		t.Fatal("ml-dsa-65 sizes do not match spec §3")
	}
}

func TestKeypairsAreDistinct(t *testing.T) {
	a, err := MLKEMKeygen(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MLKEMKeygen(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.PublicKey[:], b.PublicKey[:]) {
		t.Fatal("two independent keygens produced identical public keys")
	}
}
