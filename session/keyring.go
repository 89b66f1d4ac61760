package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// keyringDirPerm is the permission mode for the keyring directory.
	keyringDirPerm = fs.FileMode(0o700)

	// keyringFilePerm is the permission mode for the keyring database file.
	keyringFilePerm = fs.FileMode(0o600)

	// keyringOpenTimeout is the maximum time to wait for the bolt database lock.
	keyringOpenTimeout = 5 * time.Second

	// scryptN is the CPU/memory cost parameter for scrypt key derivation.
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// saltLen is the length of the random per-keyring salt.
	saltLen = 16
)

var (
	itemsBucket = []byte("items")
	metaBucket  = []byte("meta")
	saltKey     = []byte("salt")
)

// KeyringStore is the default Store: a bbolt database holding AES-GCM
// encrypted records, with the key derived from a passphrase via scrypt.
// Each value is stored as [12-byte IV][ciphertext+GCM tag].
type KeyringStore struct {
	db  *bolt.DB
	gcm cipher.AEAD
}

// DefaultKeyringPath returns the keyring database location under the
// user's config directory.
func DefaultKeyringPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determining config directory: %w", err)
	}
	return filepath.Join(dir, "authbridge", "keyring.db"), nil
}

// OpenKeyring opens or creates the keyring database at path. A random
// salt is generated on first open and persisted alongside the items, so
// the same passphrase always derives the same key for this keyring.
func OpenKeyring(path, passphrase string) (*KeyringStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), keyringDirPerm); err != nil {
		return nil, fmt.Errorf("creating keyring directory: %w", err)
	}

	db, err := bolt.Open(path, keyringFilePerm, &bolt.Options{Timeout: keyringOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening keyring db: %w", err)
	}

	var salt []byte

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(itemsBucket); err != nil {
			return err
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if v := meta.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}

		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}

		return meta.Put(saltKey, salt)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing keyring db: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		db.Close()
		return nil, err
	}

	gcm, err := newGCM(key)
	zeroKey(key)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &KeyringStore{db: db, gcm: gcm}, nil
}

// Close closes the database.
func (k *KeyringStore) Close() error {
	return k.db.Close()
}

// LoadItem returns the decrypted bytes for key, or nil if not found.
func (k *KeyringStore) LoadItem(key string) ([]byte, error) {
	var sealed []byte

	err := k.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(itemsBucket).Get([]byte(key))
		if v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, nil
	}

	return k.open(sealed)
}

// SaveItem encrypts and persists data under key.
func (k *KeyringStore) SaveItem(key string, data []byte) error {
	sealed, err := k.seal(data)
	if err != nil {
		return err
	}

	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Put([]byte(key), sealed)
	})
}

// RemoveItem deletes the record for key.
func (k *KeyringStore) RemoveItem(key string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Delete([]byte(key))
	})
}

func (k *KeyringStore) seal(data []byte) ([]byte, error) {
	iv := make([]byte, k.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ciphertext := k.gcm.Seal(nil, iv, data, nil)
	result := make([]byte, len(iv)+len(ciphertext))
	copy(result, iv)
	copy(result[len(iv):], ciphertext)

	return result, nil
}

func (k *KeyringStore) open(sealed []byte) ([]byte, error) {
	nonceSize := k.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed record too short: %d bytes", len(sealed))
	}

	plaintext, err := k.gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting record: %w", err)
	}

	return plaintext, nil
}

// deriveKey derives a 32-byte encryption key from the passphrase and salt
// using scrypt. The passphrase is normalized to NFKC before hashing so
// visually identical passphrases typed on different keyboards derive the
// same key.
func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// zeroKey overwrites the key material in the given slice. Called
// immediately after the AEAD is constructed to limit the window during
// which raw key bytes are accessible in memory.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
