// Copyright 2025 Certen Protocol
//
// Canonicalizer: deterministic JSON serialization and SHA-256 digests.
// Every content-addressed id in the watchtower (snapshot ids, report ids,
// leaf ids, alert ids) is computed by hashing the output of CanonicalJSON.
//
// Grounded on pkg/commitment.CanonicalizeJSON (object-key sorting over a
// decoded interface{} tree, re-marshaled), tightened with explicit number
// and string formatting so that canonicalJson(x) == canonicalJson(y) holds
// byte-for-byte for any two semantically equal values — the teacher's
// version only re-marshals through encoding/json, which does not control
// number rendering (1.50 vs 1.5) or guarantee it won't diverge across Go
// versions.

package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
)

// CanonicalJSON produces a byte-stable UTF-8 JSON encoding of v: object keys
// in ascending codepoint order, no extraneous whitespace, numbers in
// shortest round-trippable form, minimally-escaped strings. Any two
// semantically equal values yield byte-identical output.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canon: marshal: %w", err)
	}
	return CanonicalizeRaw(raw)
}

// CanonicalizeRaw re-encodes already-serialized JSON bytes into canonical
// form. Useful when the caller already has raw JSON (e.g. a fetched agent
// card) and wants its canonical hash without round-tripping through a Go
// struct.
func CanonicalizeRaw(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("canon: decode: %w", err)
	}
	if _, err := dec.Token(); err == nil {
		return "", fmt.Errorf("canon: trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SHA256Hex returns the 64-char lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA256HexBytes returns the 64-char lowercase hex SHA-256 digest of b.
func SHA256HexBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashCanonical canonicalizes v and returns its SHA-256 hex digest in one
// step — the form nearly every content-addressed id in the watchtower uses.
func HashCanonical(v any) (string, error) {
	s, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(s), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, vv)
	case string:
		encodeString(buf, vv)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canon: unrepresentable value of type %T", v)
	}
}

// encodeNumber renders a decoded json.Number in shortest round-trippable
// form: exact arbitrary-precision integers when there is no fractional or
// exponent part, otherwise the shortest float64 representation that
// round-trips.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := string(n)
	if isIntegerLiteral(s) {
		bi, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("canon: invalid integer literal %q", s)
		}
		buf.WriteString(bi.String())
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canon: invalid number literal %q: %w", s, err)
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func isIntegerLiteral(s string) bool {
	for _, r := range s {
		if r == '.' || r == 'e' || r == 'E' {
			return false
		}
	}
	return true
}

// encodeString writes s as a minimally-escaped JSON string: only the
// characters JSON requires escaping (", \, and control characters) are
// escaped; everything else — including all non-ASCII UTF-8 — is passed
// through verbatim.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
