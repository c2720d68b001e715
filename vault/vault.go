// Package vault encrypts connection secrets at rest.
//
// Each blob is sealed with ChaCha20-Poly1305 under a key derived from
// the master passphrase with Argon2id.  The salt, nonce, and KDF
// parameters are stored inside the blob, so every blob is
// self-describing and can be re-encrypted under new parameters without
// a format break.  Derived keys live only in process memory.
package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	gterr "gotun/internal/errors"
)

// blobVersion tags the on-disk layout.  Bump when the framing or the
// algorithm suite changes.
const blobVersion = 1

const (
	saltSize = 16
	keySize  = chacha20poly1305.KeySize
)

// headerSize is everything before the ciphertext:
// version(1) + time(4) + memoryKiB(4) + threads(1) + salt + nonce.
const headerSize = 1 + 4 + 4 + 1 + saltSize + chacha20poly1305.NonceSize

// KDFParams are the Argon2id cost parameters embedded in each blob.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follows the Argon2id recommendation for
// interactive use: 1 pass over 64 MiB with 4 lanes.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

// Vault seals and opens secret blobs under a master passphrase.
// Derived keys are cached per (salt, KDF parameters) so repeated opens
// of the same blob pay the slow KDF only once.  Safe for concurrent
// use.
type Vault struct {
	passphrase []byte
	params     KDFParams

	mu    sync.Mutex
	cache map[cacheKey][]byte
}

// cacheKey identifies one derived key.  The KDF parameters are part of
// the key: two blobs sharing a salt but derived under different costs
// produce different keys.
type cacheKey struct {
	salt   [saltSize]byte
	params KDFParams
}

// New returns a Vault sealed by the given master passphrase.
func New(passphrase []byte) *Vault {
	return &Vault{
		passphrase: append([]byte(nil), passphrase...),
		params:     DefaultKDFParams(),
		cache:      make(map[cacheKey][]byte),
	}
}

// Seal encrypts plaintext into a self-describing blob with a fresh
// random salt and nonce.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	return seal(plaintext, v.passphrase, v.params, v.deriveCached)
}

// Open decrypts a blob sealed by this vault.  It fails with
// [gterr.ErrVaultAuth] on a wrong passphrase or tampered ciphertext,
// and with a format error on malformed framing.
func (v *Vault) Open(blob []byte) ([]byte, error) {
	return open(blob, v.passphrase, v.deriveCached)
}

// deriveCached runs Argon2id, memoising the result per salt and
// parameter set.
func (v *Vault) deriveCached(passphrase []byte, salt []byte, p KDFParams) []byte {
	k := cacheKey{params: p}
	copy(k.salt[:], salt)

	v.mu.Lock()
	defer v.mu.Unlock()
	if key, ok := v.cache[k]; ok {
		return key
	}
	key := derive(passphrase, salt, p)
	v.cache[k] = key
	return key
}

// ── One-shot helpers (export blobs) ──────────────────────────────────

// Encrypt seals plaintext under a standalone passphrase.  Used for
// export blobs, which must never be tied to the vault's master key.
func Encrypt(plaintext, passphrase []byte) ([]byte, error) {
	return seal(plaintext, passphrase, DefaultKDFParams(), derive)
}

// Decrypt opens a blob produced by [Encrypt] or [Vault.Seal] with the
// given passphrase.
func Decrypt(blob, passphrase []byte) ([]byte, error) {
	return open(blob, passphrase, derive)
}

// ── Core ─────────────────────────────────────────────────────────────

type deriveFunc func(passphrase, salt []byte, p KDFParams) []byte

func derive(passphrase, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.MemoryKiB, p.Threads, keySize)
}

func seal(plaintext, passphrase []byte, p KDFParams, df deriveFunc) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(df(passphrase, salt, p))
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}

	blob := make([]byte, 0, headerSize+len(plaintext)+aead.Overhead())
	blob = append(blob, blobVersion)
	blob = binary.BigEndian.AppendUint32(blob, p.Time)
	blob = binary.BigEndian.AppendUint32(blob, p.MemoryKiB)
	blob = append(blob, p.Threads)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)

	// The header is authenticated as additional data, so version or
	// KDF parameter tampering also fails decryption.
	return aead.Seal(blob, nonce, plaintext, blob[:headerSize]), nil
}

func open(blob, passphrase []byte, df deriveFunc) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, gterr.Protocol("vault", "blob too short (%d bytes)", len(blob))
	}
	if blob[0] != blobVersion {
		return nil, gterr.Protocol("vault", "unsupported blob version %d", blob[0])
	}

	p := KDFParams{
		Time:      binary.BigEndian.Uint32(blob[1:5]),
		MemoryKiB: binary.BigEndian.Uint32(blob[5:9]),
		Threads:   blob[9],
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return nil, gterr.Protocol("vault", "invalid KDF parameters")
	}

	salt := blob[10 : 10+saltSize]
	nonce := blob[10+saltSize : headerSize]

	aead, err := chacha20poly1305.New(df(passphrase, salt, p))
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, blob[headerSize:], blob[:headerSize])
	if err != nil {
		return nil, gterr.ErrVaultAuth
	}
	return plaintext, nil
}

// Wipe zeroes the passphrase and every cached key.  The vault is
// unusable afterwards.
func (v *Vault) Wipe() {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.passphrase)
	for k, key := range v.cache {
		zero(key)
		delete(v.cache, k)
	}
}

func zero(b []byte) {
	// subtle.ConstantTimeCopy keeps the compiler from eliding the wipe.
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
