// Package aeutil implements column decryption for SQL Server's Always
// Encrypted feature. It is kept apart from the core protocol package
// because it alone pulls in the AEAD/RSA/pkcs12 dependency chain that only
// deployments using column encryption need (FeatureExtAck COLUMNENCRYPTION,
// §3's crypto-bearing ColMetaData union).
package aeutil

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"os"

	alwaysencrypted "github.com/swisscom/mssql-always-encrypted/pkg"
	"github.com/swisscom/mssql-always-encrypted/pkg/algorithms"
	"github.com/swisscom/mssql-always-encrypted/pkg/encryption"
	"github.com/swisscom/mssql-always-encrypted/pkg/keys"
	"golang.org/x/crypto/pkcs12"
)

// KeystoreAuth selects how the column-encryption-key keystore is unlocked.
type KeystoreAuth int

const (
	// PFXKeystoreAuth loads an RSA private key and certificate from a PFX
	// (PKCS#12) file protected by a passphrase.
	PFXKeystoreAuth KeystoreAuth = iota
)

// Settings carries everything needed to decrypt Always Encrypted column
// values: where the column master key lives and how to unlock it. The core
// driver treats this as an opaque, lazily-loaded credential the same way it
// treats the general AuthProvider boundary (§6).
type Settings struct {
	KeystoreLocation string
	KeystoreAuth     KeystoreAuth
	KeystoreSecret   string

	pKey interface{}
	cert *x509.Certificate
}

// Ensure loads the keystore's private key and certificate on first use.
func (s *Settings) Ensure() error {
	if s.pKey != nil {
		return nil
	}
	f, err := os.Open(s.KeystoreLocation)
	if err != nil {
		return fmt.Errorf("opening always-encrypted keystore: %w", err)
	}
	defer f.Close()

	switch s.KeystoreAuth {
	case PFXKeystoreAuth:
		pfxBytes, err := ioutil.ReadAll(f)
		if err != nil {
			return fmt.Errorf("reading pfx keystore: %w", err)
		}
		pk, cert, err := pkcs12.Decode(pfxBytes, s.KeystoreSecret)
		if err != nil {
			return fmt.Errorf("decoding pfx keystore: %w", err)
		}
		s.pKey = pk
		s.cert = cert
		return nil
	default:
		return fmt.Errorf("keystore auth mode %v is unimplemented", s.KeystoreAuth)
	}
}

// EncryptedKey is the subset of a CEK table entry's per-value metadata
// needed to unwrap the column encryption key.
type EncryptedKey struct {
	EncryptedCEK []byte
}

// Decrypt unwraps the column master key using the loaded certificate/key,
// then decrypts ciphertext with AEAD_AES_256_CBC_HMAC_SHA256 at the given
// algorithm version, returning the plaintext column bytes to be re-parsed
// with the column's declared (post-decryption) typeInfo.
func Decrypt(settings *Settings, keyVersion int, encType byte, encryptedKey []byte, ciphertext []byte) ([]byte, error) {
	if err := settings.Ensure(); err != nil {
		return nil, err
	}

	cekv := alwaysencrypted.LoadCEKV(encryptedKey)
	if !cekv.Verify(settings.cert) {
		return nil, fmt.Errorf("invalid certificate decrypting column: %v requested but %x provided",
			cekv.KeyPath, sha1.Sum(settings.cert.Raw))
	}

	rsaKey, ok := settings.pKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported always-encrypted private key type %T", settings.pKey)
	}
	rootKey, err := cekv.Decrypt(rsaKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping column encryption key: %w", err)
	}

	k := keys.NewAeadAes256CbcHmac256(rootKey)
	alg := algorithms.NewAeadAes256CbcHmac256Algorithm(k, encryption.From(encType), byte(keyVersion))

	plain, err := alg.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting column value: %w", err)
	}
	return plain, nil
}
