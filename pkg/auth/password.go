package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLen = 8
	MaxPasswordLen = 128
)

// HashFormat identifies the scheme a stored password hash was produced with
type HashFormat int

const (
	FormatUnknown HashFormat = iota
	// FormatDisabled is an empty hash: the password login is turned off
	FormatDisabled
	// FormatArgon2id is the current scheme (PHC string)
	FormatArgon2id
	// FormatBcrypt is a bcrypt hash with a prefix Go understands ($2a$, $2b$)
	FormatBcrypt
	// FormatBcryptLegacy is a bcrypt hash with the PHP "$2y$" prefix
	FormatBcryptLegacy
)

func (f HashFormat) String() string {
	switch f {
	case FormatDisabled:
		return "disabled"
	case FormatArgon2id:
		return "argon2id"
	case FormatBcrypt:
		return "bcrypt"
	case FormatBcryptLegacy:
		return "bcrypt_legacy"
	default:
		return "unknown"
	}
}

var (
	ErrPasswordDisabled  = errors.New("password login disabled")
	ErrUnknownHashFormat = errors.New("unknown password hash format")
	ErrMismatch          = errors.New("password does not match")
)

// Argon2Params are the cost parameters for new hashes
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params follows the OWASP argon2id baseline
var DefaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// PasswordValidationError holds validation error details (internal use only)
type PasswordValidationError struct {
	Errors []string
}

func (e *PasswordValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "password validation failed"
	}
	// Never expose the specific requirements that failed
	return "invalid password"
}

// Common weak passwords to reject
var commonPasswords = map[string]bool{
	"password":     true,
	"12345678":     true,
	"qwerty":       true,
	"abc123":       true,
	"password123":  true,
	"password123!": true,
	"123456":       true,
	"admin":        true,
	"letmein":      true,
	"welcome":      true,
	"monkey":       true,
	"dragon":       true,
	"master":       true,
	"passw0rd":     true,
	"trustno1":     true,
}

// Hasher produces and verifies password hashes. New hashes always use the
// current format; verification negotiates the stored format first.
type Hasher struct {
	params Argon2Params
}

// NewHasher creates a Hasher with the given argon2id parameters
func NewHasher(params Argon2Params) *Hasher {
	return &Hasher{params: params}
}

// DetectHashFormat inspects the prefix of a stored hash
func DetectHashFormat(encoded string) HashFormat {
	switch {
	case encoded == "":
		return FormatDisabled
	case strings.HasPrefix(encoded, "$argon2id$"):
		return FormatArgon2id
	case strings.HasPrefix(encoded, "$2y$"):
		return FormatBcryptLegacy
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"):
		return FormatBcrypt
	default:
		return FormatUnknown
	}
}

// normalizeBcrypt rewrites the PHP "$2y$" prefix to "$2a$". Both denote the
// same corrected bcrypt algorithm.
func normalizeBcrypt(encoded string) string {
	if strings.HasPrefix(encoded, "$2y$") {
		return "$2a$" + encoded[4:]
	}
	return encoded
}

// Hash returns an argon2id PHC string for password
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks password against the stored hash. needsRehash is true when
// the password matched but the stored hash is not in the current format or
// uses weaker parameters, so the caller should store a fresh Hash.
func (h *Hasher) Verify(password, encoded string) (needsRehash bool, err error) {
	switch DetectHashFormat(encoded) {
	case FormatDisabled:
		return false, ErrPasswordDisabled
	case FormatArgon2id:
		parsed, err := parseArgon2(encoded)
		if err != nil {
			return false, err
		}
		key := argon2.IDKey([]byte(password), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))
		if subtle.ConstantTimeCompare(key, parsed.key) != 1 {
			return false, ErrMismatch
		}
		return h.weakerThanCurrent(parsed), nil
	case FormatBcrypt, FormatBcryptLegacy:
		if err := bcrypt.CompareHashAndPassword([]byte(normalizeBcrypt(encoded)), []byte(password)); err != nil {
			if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				return false, ErrMismatch
			}
			return false, fmt.Errorf("bcrypt verify: %w", err)
		}
		return true, nil
	default:
		return false, ErrUnknownHashFormat
	}
}

func (h *Hasher) weakerThanCurrent(p *argon2Hash) bool {
	return p.memory < h.params.Memory ||
		p.time < h.params.Time ||
		p.parallelism < h.params.Parallelism ||
		uint32(len(p.key)) != h.params.KeyLength
}

type argon2Hash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parseArgon2(encoded string) (*argon2Hash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, ErrUnknownHashFormat
	}

	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, fmt.Errorf("unsupported argon2 version %q", parts[2])
	}

	var p argon2Hash
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid argon2 parameter %q", kv)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid argon2 parameter %q", kv)
		}
		switch k {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, fmt.Errorf("invalid argon2 parallelism %d", n)
			}
			p.parallelism = uint8(n)
		default:
			return nil, fmt.Errorf("unknown argon2 parameter %q", k)
		}
	}
	if p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return nil, fmt.Errorf("missing argon2 parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("invalid argon2 salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("invalid argon2 key")
	}
	p.salt = salt
	p.key = key

	return &p, nil
}

// ValidatePassword enforces strong password requirements
func ValidatePassword(password string) error {
	errors := make([]string, 0)

	if len(password) < MinPasswordLen {
		errors = append(errors, fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	}
	if len(password) > MaxPasswordLen {
		errors = append(errors, fmt.Sprintf("must be at most %d characters", MaxPasswordLen))
	}

	hasUpper := false
	hasLower := false
	hasDigit := false
	hasSpecial := false

	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !hasUpper {
		errors = append(errors, "must contain at least one uppercase letter")
	}
	if !hasLower {
		errors = append(errors, "must contain at least one lowercase letter")
	}
	if !hasDigit {
		errors = append(errors, "must contain at least one digit")
	}
	if !hasSpecial {
		errors = append(errors, "must contain at least one special character")
	}

	if commonPasswords[strings.ToLower(password)] {
		errors = append(errors, "is too common, please choose a more unique password")
	}

	if len(errors) > 0 {
		return &PasswordValidationError{Errors: errors}
	}

	return nil
}
