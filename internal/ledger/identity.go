package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const identityFileName = "identity.json"

// Ed25519 SubjectPublicKeyInfo, алгоритм id-Ed25519 (RFC 8410).
var ed25519DERPrefix = []byte{
	0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00,
}

// Identity — мерчантская подписывающая идентичность сервиса.
// Ключ генерируется при первом запуске и хранится в каталоге секретов
// с правами только для владельца.
type Identity struct {
	priv      ed25519.PrivateKey
	principal []byte
}

type identityFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrCreateIdentity загружает идентичность из keyDir либо генерирует новую.
// Возвращает признак того, что ключ был создан впервые.
func LoadOrCreateIdentity(keyDir string) (*Identity, bool, error) {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, false, fmt.Errorf("create key dir: %w", err)
	}

	path := filepath.Join(keyDir, identityFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := parseIdentity(data)
		if err != nil {
			return nil, false, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		return id, false, nil
	case errors.Is(err, os.ErrNotExist):
		// Ключа ещё нет — генерируем и сохраняем.
	default:
		return nil, false, fmt.Errorf("read identity file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generate key: %w", err)
	}

	data, err = json.Marshal(identityFile{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv.Seed()),
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, false, fmt.Errorf("write identity file: %w", err)
	}

	return newIdentity(priv), true, nil
}

func parseIdentity(data []byte) (*Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	seed, err := hex.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	return newIdentity(ed25519.NewKeyFromSeed(seed)), nil
}

func newIdentity(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)

	// Самоаутентифицирующийся principal: sha224(DER(pubkey)) || 0x02.
	der := append(append([]byte{}, ed25519DERPrefix...), pub...)
	digest := sha256.Sum224(der)
	principal := append(digest[:], 0x02)

	return &Identity{priv: priv, principal: principal}
}

// Principal возвращает сырые байты principal идентичности.
func (id *Identity) Principal() []byte {
	out := make([]byte, len(id.principal))
	copy(out, id.principal)
	return out
}

// PrincipalText возвращает текстовое представление principal идентичности.
func (id *Identity) PrincipalText() string {
	return EncodePrincipal(id.principal)
}

// MainAddressHex возвращает hex-адрес главного (казначейского) аккаунта.
func (id *Identity) MainAddressHex() string {
	var empty [SubAccountSize]byte
	return AccountIdentifierHex(id.principal, empty)
}

// Sign подписывает произвольное сообщение ключом идентичности.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}
