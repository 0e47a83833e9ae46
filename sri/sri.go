// Package sri implements Subresource Integrity string parsing,
// canonicalization, and verification: algorithm-base64digest[?opt...]
// tokens, as consumed and produced by npm cacache.
package sri

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// tokenPattern matches a single SRI token: algorithm, then '-', then
// the base64 digest, then an optional run of "?opt" suffixes.
var tokenPattern = regexp.MustCompile(`^([^-]+)-([^?]+)(\?.*)?$`)

// strictBase64Pattern matches RFC 4648 base64 (standard alphabet,
// optional padding).
var strictBase64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// Hash is a single parsed SRI token.
type Hash struct {
	Source    string   // the original token text
	Algorithm string   // free-form identifier, lowercased is NOT assumed
	Digest    string   // base64-encoded digest
	Options   []string // options following '?', in order
}

// Hexdigest returns the hex encoding of Digest.
func (h Hash) Hexdigest() (string, error) {
	raw, err := base64.StdEncoding.DecodeString(h.Digest)
	if err != nil {
		return "", fmt.Errorf("sri: decode digest: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// String renders the token back to "algorithm-digest[?opt...]" form.
// Returns "" for a zero-value Hash (used by Integrity.String to drop
// tombstone/empty entries).
func (h Hash) String() string {
	if h.Algorithm == "" || h.Digest == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(h.Algorithm)
	b.WriteByte('-')
	b.WriteString(h.Digest)
	for _, opt := range h.Options {
		b.WriteByte('?')
		b.WriteString(opt)
	}
	return b.String()
}

// Integrity is an ordered multi-algorithm set of SRI hashes describing
// the same underlying bytes.
type Integrity struct {
	order  []string
	byAlgo map[string][]Hash
}

// NewIntegrity returns an empty Integrity.
func NewIntegrity() Integrity {
	return Integrity{byAlgo: make(map[string][]Hash)}
}

// Algorithms returns the algorithms present, in first-seen order.
func (i Integrity) Algorithms() []string {
	out := make([]string, len(i.order))
	copy(out, i.order)
	return out
}

// Hashes returns the hashes recorded under algorithm, in insertion
// order, or nil if none.
func (i Integrity) Hashes(algorithm string) []Hash {
	return i.byAlgo[algorithm]
}

// IsEmpty reports whether the Integrity has no hashes under any
// algorithm.
func (i Integrity) IsEmpty() bool {
	return len(i.order) == 0
}

// add appends h, registering its algorithm in first-seen order.
func (i *Integrity) add(h Hash) {
	if i.byAlgo == nil {
		i.byAlgo = make(map[string][]Hash)
	}
	if _, seen := i.byAlgo[h.Algorithm]; !seen {
		i.order = append(i.order, h.Algorithm)
	}
	i.byAlgo[h.Algorithm] = append(i.byAlgo[h.Algorithm], h)
}

// String renders the canonical form: every hash's token, space
// separated, empty tokens dropped.
func (i Integrity) String() string {
	return i.join(" ")
}

// join renders every hash's token using sep as separator. Strict
// parsing always normalizes to " "; non-strict default is also " "
// per the spec, so this is exposed only for completeness.
func (i Integrity) join(sep string) string {
	var parts []string
	for _, algo := range i.order {
		for _, h := range i.byAlgo[algo] {
			if s := h.String(); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, sep)
}

// Equal reports whether two Integrity values have the same canonical
// string form.
func (i Integrity) Equal(other Integrity) bool {
	return i.String() == other.String()
}

// parseConfig holds Parse's option dictionary.
type parseConfig struct {
	strict bool
}

// ParseOption configures Parse.
type ParseOption func(*parseConfig)

// WithStrict restricts parsing to algorithm ∈ {sha256, sha384,
// sha512}, RFC 4648 base64 digests, and VCHAR-only options.
func WithStrict() ParseOption {
	return func(c *parseConfig) { c.strict = true }
}

// Parse splits s on whitespace runs and parses each token. Malformed
// tokens are dropped; in non-strict mode, unrecognized algorithms are
// retained verbatim.
func Parse(s string, opts ...ParseOption) Integrity {
	cfg := parseConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	result := NewIntegrity()
	for _, token := range strings.Fields(s) {
		h, ok := parseToken(token, cfg)
		if !ok {
			continue
		}
		result.add(h)
	}
	return result
}

// ParseSingle parses s and returns the first recognized Hash. ok is
// false if no token parsed successfully.
func ParseSingle(s string, opts ...ParseOption) (Hash, bool) {
	fields := strings.Fields(s)
	cfg := parseConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	for _, token := range fields {
		if h, ok := parseToken(token, cfg); ok {
			return h, true
		}
	}
	return Hash{}, false
}

func parseToken(token string, cfg parseConfig) (Hash, bool) {
	m := tokenPattern.FindStringSubmatch(token)
	if m == nil {
		return Hash{}, false
	}
	algorithm, digest, optsPart := m[1], m[2], m[3]

	if cfg.strict {
		if !strictAlgorithms[algorithm] {
			return Hash{}, false
		}
		if !strictBase64Pattern.MatchString(digest) {
			return Hash{}, false
		}
	} else {
		// Unrecognized algorithms are retained in non-strict mode;
		// nothing further to validate about the algorithm name.
		_ = algorithm
	}

	var options []string
	if optsPart != "" {
		for _, opt := range strings.Split(optsPart, "?") {
			if opt == "" {
				continue
			}
			if cfg.strict && !isVChar(opt) {
				return Hash{}, false
			}
			options = append(options, opt)
		}
	}

	return Hash{Source: token, Algorithm: algorithm, Digest: digest, Options: options}, true
}

func isVChar(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7E {
			return false
		}
	}
	return true
}

// fromDataConfig holds FromData's option dictionary.
type fromDataConfig struct {
	algorithms []string
	options    []string
}

// FromDataOption configures FromData.
type FromDataOption func(*fromDataConfig)

// WithAlgorithms sets the algorithms to hash data under. Defaults to
// [sha512].
func WithAlgorithms(algorithms ...string) FromDataOption {
	return func(c *fromDataConfig) { c.algorithms = algorithms }
}

// WithOptions attaches the given options string list to each computed
// Hash.
func WithOptions(options ...string) FromDataOption {
	return func(c *fromDataConfig) { c.options = options }
}

// FromData computes an Integrity containing one Hash per requested
// algorithm (default: sha512) for data.
func FromData(data []byte, opts ...FromDataOption) (Integrity, error) {
	cfg := fromDataConfig{algorithms: []string{"sha512"}}
	for _, o := range opts {
		o(&cfg)
	}

	result := NewIntegrity()
	for _, algorithm := range cfg.algorithms {
		hasher, err := newHasher(algorithm)
		if err != nil {
			return Integrity{}, err
		}
		hasher.Write(data) //nolint:errcheck // hash.Hash.Write never fails
		digest := base64.StdEncoding.EncodeToString(hasher.Sum(nil))
		h := Hash{Algorithm: algorithm, Digest: digest, Options: cfg.options}
		h.Source = h.String()
		result.add(h)
	}
	return result, nil
}

// FromHex builds an Integrity with one Hash for a digest already
// known in hex form, re-encoding it as base64.
func FromHex(hexDigest, algorithm string, opts ...FromDataOption) (Integrity, error) {
	cfg := fromDataConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Integrity{}, fmt.Errorf("sri: decode hex digest: %w", err)
	}
	h := Hash{
		Algorithm: algorithm,
		Digest:    base64.StdEncoding.EncodeToString(raw),
		Options:   cfg.options,
	}
	h.Source = h.String()
	result := NewIntegrity()
	result.add(h)
	return result, nil
}

// pickConfig holds PickAlgorithm's option dictionary.
type pickConfig struct {
	priority func(algorithm string) int
}

// PickOption configures PickAlgorithm.
type PickOption func(*pickConfig)

// WithPriority overrides the default algorithm priority function.
// Higher return values win; ties are broken by first-seen order.
func WithPriority(priority func(algorithm string) int) PickOption {
	return func(c *pickConfig) { c.priority = priority }
}

// PickAlgorithm returns the algorithm present in i that maximizes the
// priority function (default: the spec's fixed ordering, unknown
// algorithms score -1), breaking ties by insertion order of each
// algorithm's first Hash. Fails when i is empty.
func (i Integrity) PickAlgorithm(opts ...PickOption) (string, error) {
	if i.IsEmpty() {
		return "", ErrEmptyIntegrity
	}
	cfg := pickConfig{priority: defaultPriority}
	for _, o := range opts {
		o(&cfg)
	}

	best := i.order[0]
	bestScore := cfg.priority(best)
	for _, algo := range i.order[1:] {
		score := cfg.priority(algo)
		if score > bestScore {
			best, bestScore = algo, score
		}
	}
	return best, nil
}

// FirstAlgorithm returns the algorithm of the first token in i's
// canonical string form — i.e. parse(integrity.to_s, single=true) in
// spec terms (§4.2: content_path derives its algorithm from the first
// parsed token, not from PickAlgorithm's priority ordering). Fails
// when i is empty.
func (i Integrity) FirstAlgorithm() (string, error) {
	if i.IsEmpty() {
		return "", ErrEmptyIntegrity
	}
	return i.order[0], nil
}

// checkConfig holds Check/Check!'s option dictionary.
type checkConfig struct {
	size     int64
	hasSize  bool
	priority func(algorithm string) int
}

// CheckOption configures Check and CheckBytes/CheckReader.
type CheckOption func(*checkConfig)

// WithSize requires the checked data to have exactly this length,
// failing with ErrContentSizeMismatch otherwise.
func WithSize(size int64) CheckOption {
	return func(c *checkConfig) { c.size = size; c.hasSize = true }
}

// WithCheckPriority overrides the algorithm priority used to pick
// which hash family to verify against.
func WithCheckPriority(priority func(algorithm string) int) CheckOption {
	return func(c *checkConfig) { c.priority = priority }
}

// CheckBytes verifies data against i, returning the matching Hash on
// success. Fails with ErrContentSizeMismatch when a size option is
// given and does not match len(data); fails with ErrIntegrity when no
// hash under the chosen algorithm matches.
func CheckBytes(data []byte, i Integrity, opts ...CheckOption) (Hash, error) {
	return checkReader(bytes.NewReader(data), int64(len(data)), i, opts...)
}

// CheckReader verifies the stream r (of the given size, used only for
// a WithSize check) against i without buffering it fully in memory.
func CheckReader(r io.Reader, size int64, i Integrity, opts ...CheckOption) (Hash, error) {
	return checkReader(r, size, i, opts...)
}

func checkReader(r io.Reader, size int64, i Integrity, opts ...CheckOption) (Hash, error) {
	cfg := checkConfig{priority: defaultPriority}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.hasSize && cfg.size != size {
		return Hash{}, ErrContentSizeMismatch
	}

	algorithm, err := i.PickAlgorithm(WithPriority(cfg.priority))
	if err != nil {
		return Hash{}, err
	}

	hasher, err := newHasher(algorithm)
	if err != nil {
		return Hash{}, err
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return Hash{}, fmt.Errorf("sri: read data to verify: %w", err)
	}
	digest := base64.StdEncoding.EncodeToString(hasher.Sum(nil))

	for _, h := range i.Hashes(algorithm) {
		if h.Digest == digest {
			return h, nil
		}
	}
	return Hash{}, ErrIntegrity
}

// Check is the infallible variant of CheckBytes.
func Check(data []byte, i Integrity, opts ...CheckOption) bool {
	_, err := CheckBytes(data, i, opts...)
	return err == nil
}
