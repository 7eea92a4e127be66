package credential

import (
	"sync"

	"github.com/alexedwards/argon2id"
)

var DefaultParams = &argon2id.Params{
	Memory:      64 * 1024, // 64 MiB
	Iterations:  2,
	Parallelism: 4,
	SaltLength:  16,
	KeyLength:   32,
}

// Argon2Hasher hashes and verifies peppered secrets with argon2id. The
// comparison inside argon2id is constant time.
type Argon2Hasher struct {
	pepper string
	params *argon2id.Params

	dummyOnce sync.Once
	dummy     string
}

func NewArgon2Hasher(pepper string, params *argon2id.Params) *Argon2Hasher {
	if params == nil {
		params = DefaultParams
	}
	return &Argon2Hasher{pepper: pepper, params: params}
}

func (h *Argon2Hasher) Hash(secret string) (string, error) {
	return argon2id.CreateHash(secret+h.pepper, h.params)
}

// Verify treats a malformed stored hash as a mismatch.
func (h *Argon2Hasher) Verify(secret, hash string) bool {
	ok, err := argon2id.ComparePasswordAndHash(secret+h.pepper, hash)
	return err == nil && ok
}

// VerifyAbsent spends one verification on a throwaway hash so a login for an
// unknown email costs the same as a wrong password.
func (h *Argon2Hasher) VerifyAbsent(secret string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = argon2id.CreateHash("absent-user"+h.pepper, h.params)
	})
	_, _ = argon2id.ComparePasswordAndHash(secret+h.pepper, h.dummy)
}
