package password

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

// Params are the Argon2id cost parameters baked into every digest.
type Params struct {
	TimeCost    uint32
	MemoryKB    uint32
	Parallelism uint8
	KeyLength   uint32
	SaltLength  uint32
}

func DefaultParams() Params {
	return Params{
		TimeCost:    3,
		MemoryKB:    64 * 1024,
		Parallelism: 4,
		KeyLength:   32,
		SaltLength:  16,
	}
}

// Hasher derives and checks Argon2id password digests. Derivations run under a
// weighted semaphore sized to the CPU count so concurrent logins cannot grow
// the memory-hard working set unboundedly.
type Hasher struct {
	params Params
	sem    *semaphore.Weighted
}

func NewHasher(params Params) *Hasher {
	def := DefaultParams()
	if params.TimeCost == 0 {
		params.TimeCost = def.TimeCost
	}
	if params.MemoryKB == 0 {
		params.MemoryKB = def.MemoryKB
	}
	if params.Parallelism == 0 {
		params.Parallelism = def.Parallelism
	}
	if params.KeyLength == 0 {
		params.KeyLength = def.KeyLength
	}
	if params.SaltLength == 0 {
		params.SaltLength = def.SaltLength
	}

	return &Hasher{
		params: params,
		sem:    semaphore.NewWeighted(int64(runtime.NumCPU())),
	}
}

// Hash returns a PHC-formatted digest: $argon2id$v=19$m=...,t=...,p=...$salt$key.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key, err := h.derive(ctx, password, salt, h.params)
	if err != nil {
		return "", err
	}

	encoded := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.MemoryKB,
		h.params.TimeCost,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)

	return encoded, nil
}

// Verify reports whether password matches the stored digest. The digest's own
// cost parameters are used, so records hashed under older settings still
// verify; the final comparison is constant time.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) bool {
	params, salt, key, err := decodeDigest(encoded)
	if err != nil {
		return false
	}

	candidate, err := h.derive(ctx, password, salt, params)
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(candidate, key) == 1
}

// NeedsRehash reports whether the digest was produced with parameters that
// differ from the hasher's current configuration. Malformed digests always
// need a rehash.
func (h *Hasher) NeedsRehash(encoded string) bool {
	params, _, _, err := decodeDigest(encoded)
	if err != nil {
		return true
	}

	return params.TimeCost != h.params.TimeCost ||
		params.MemoryKB != h.params.MemoryKB ||
		params.Parallelism != h.params.Parallelism ||
		params.KeyLength != h.params.KeyLength
}

func (h *Hasher) derive(ctx context.Context, password string, salt []byte, params Params) ([]byte, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire hashing slot: %w", err)
	}
	defer h.sem.Release(1)

	return argon2.IDKey([]byte(password), salt, params.TimeCost, params.MemoryKB, params.Parallelism, params.KeyLength), nil
}

func decodeDigest(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, errors.New("malformed password digest")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, errors.New("unsupported digest version")
	}

	var params Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKB, &params.TimeCost, &params.Parallelism); err != nil {
		return Params{}, nil, nil, errors.New("malformed digest parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, errors.New("malformed digest salt")
	}

	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, errors.New("malformed digest key")
	}

	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))

	return params, salt, key, nil
}
