// Copyright 2025 Certen Protocol
//
// Ed25519 keypair lifecycle and detached signing for the watchtower.
//
// Grounded on pkg/attestation/strategy/ed25519_strategy.go (key lifecycle,
// domain-separated signing over crypto/ed25519) and
// pkg/database/repository_attestation.go (how signature/pubkey bytes are
// carried through the system). The watchtower signs report hashes with a
// single local keypair; pluggable external signers (KMS, threshold) are
// future implementations of the Signer interface defined below, never
// imported here (§9 Design Notes).

package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/certen-labs/watchtower/pkg/canon"
	"github.com/certen-labs/watchtower/pkg/watchtower"
)

// Signer is the capability the transparency log depends on for signing
// leaf ids. A local KeyPair satisfies it; external signer backends (cloud
// KMS, threshold PKP) are separate implementations that plug in without
// touching pkg/translog.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// KeyPair is a local Ed25519 keypair.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// LocalSigner adapts a KeyPair to the Signer capability interface.
type LocalSigner struct {
	kp *KeyPair
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner wraps kp as a Signer.
func NewLocalSigner(kp *KeyPair) *LocalSigner {
	return &LocalSigner{kp: kp}
}

// Sign implements Signer.
func (s *LocalSigner) Sign(message []byte) ([]byte, error) {
	return s.kp.Sign(message)
}

// PublicKey implements Signer.
func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.kp.PublicKey
}

// keyFile is the on-disk JSON representation: base64 of SPKI-DER public key
// and PKCS8-DER private key.
type keyFile struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate ed25519 keypair: %v", watchtower.ErrConfig, err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// EnsureKeyPair loads an existing keypair from path, or generates and
// persists a fresh one if the file does not exist.
func EnsureKeyPair(path string) (*KeyPair, error) {
	kp, err := LoadKeyPair(path)
	if err == nil {
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := kp.Save(path); err != nil {
		return nil, err
	}
	return kp, nil
}

// LoadKeyPair reads a keypair from its JSON file. Malformed key material is
// always a fatal error wrapping watchtower.ErrConfig, except that an error
// reading the file (a missing file among them) is returned unwrapped, so
// EnsureKeyPair can detect a missing file with os.IsNotExist.
func LoadKeyPair(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("%w: parse keypair file %s: %v", watchtower.ErrConfig, path, err)
	}

	pubDER, err := base64.StdEncoding.DecodeString(kf.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode public key base64: %v", watchtower.ErrConfig, err)
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parse spki public key: %v", watchtower.ErrConfig, err)
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not ed25519", watchtower.ErrConfig)
	}

	privDER, err := base64.StdEncoding.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode private key base64: %v", watchtower.ErrConfig, err)
	}
	privAny, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parse pkcs8 private key: %v", watchtower.ErrConfig, err)
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not ed25519", watchtower.ErrConfig)
	}

	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Save persists the keypair as JSON: base64 SPKI-DER public key, base64
// PKCS8-DER private key.
func (kp *KeyPair) Save(path string) error {
	pubDER, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: marshal spki public key: %v", watchtower.ErrConfig, err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: marshal pkcs8 private key: %v", watchtower.ErrConfig, err)
	}

	kf := keyFile{
		PublicKey:  base64.StdEncoding.EncodeToString(pubDER),
		PrivateKey: base64.StdEncoding.EncodeToString(privDER),
	}
	raw, err := json.Marshal(kf)
	if err != nil {
		return fmt.Errorf("%w: marshal keypair file: %v", watchtower.ErrConfig, err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("%w: write keypair file %s: %v", watchtower.ErrConfig, path, err)
	}
	return nil
}

// Sign produces a detached Ed25519 signature over message.
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(kp.PrivateKey, message), nil
}

// SignData signs message and returns the signature base64-encoded.
func SignData(message []byte, kp *KeyPair) (string, error) {
	sig, err := kp.Sign(message)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyData verifies a base64 signature over message against a base64
// SPKI-DER-free raw public key. Bad signatures or malformed inputs return
// false, never an error or a panic.
func VerifyData(message []byte, sigB64 string, pubKeyB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return false
	}
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// ReportSignature is the detached signature envelope attached to a signed
// report.
type ReportSignature struct {
	Algo      string `json:"algo"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
}

// SignReport signs the canonical JSON of report with kp, stamping signedAt.
func SignReport(report any, kp *KeyPair, signedAt int64) (*ReportSignature, error) {
	canonical, err := canon.CanonicalJSON(report)
	if err != nil {
		return nil, fmt.Errorf("watchtower: canonicalize report for signing: %w", err)
	}
	sigB64, err := SignData([]byte(canonical), kp)
	if err != nil {
		return nil, err
	}
	return &ReportSignature{
		Algo:      "ed25519",
		PublicKey: base64.StdEncoding.EncodeToString(kp.PublicKey),
		Signature: sigB64,
		SignedAt:  signedAt,
	}, nil
}

// VerifyReportSignature recomputes the canonical JSON of report and checks
// sig against it. Never panics; a malformed signature simply fails.
func VerifyReportSignature(report any, sig *ReportSignature) bool {
	canonical, err := canon.CanonicalJSON(report)
	if err != nil {
		return false
	}
	return VerifyData([]byte(canonical), sig.Signature, sig.PublicKey)
}
