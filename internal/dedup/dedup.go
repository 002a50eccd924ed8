// Package dedup computes content hashes for collected records and enforces
// global uniqueness of those hashes before persistence.
package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/Ank61/leadengine/internal/scrape"
)

// Canonical serializes a record the way Python's json.dumps(record,
// sort_keys=True) does: keys sorted at every depth, ", " and ": " separators,
// non-ASCII escaped as \uXXXX. Hashes therefore match content_hash values
// already stored in raw_leads. Numbers that encode as JSON integers are
// written as integers, so float64(3) and 3 hash alike.
func Canonical(record scrape.Record) ([]byte, error) {
	raw, err := json.Marshal(map[string]any(record))
	if err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, t)
	case json.Number:
		return writeNumber(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, k)
			buf.WriteString(": ")
			if err := writeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteByte(byte(r))
			case r < 0x10000:
				fmt.Fprintf(buf, `\u%04x`, r)
			default:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			}
		}
	}
	buf.WriteByte('"')
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("number %q: %w", n, err)
	}
	buf.WriteString(pythonFloat(f))
	return nil
}

// pythonFloat formats f like Python's float repr: shortest round-trip digits,
// positional for exponents in [-4, 16), otherwise d.ddde+XX.
func pythonFloat(f float64) string {
	s := strconv.FormatFloat(f, 'e', -1, 64)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	mant, expPart, _ := strings.Cut(s, "e")
	exp, _ := strconv.Atoi(expPart)
	digits := strings.Replace(mant, ".", "", 1)

	if exp < -4 || exp >= 16 {
		out := digits[:1]
		if len(digits) > 1 {
			out += "." + digits[1:]
		}
		expSign := "+"
		if exp < 0 {
			expSign, exp = "-", -exp
		}
		return fmt.Sprintf("%s%se%s%02d", sign, out, expSign, exp)
	}
	if exp < 0 {
		return sign + "0." + strings.Repeat("0", -exp-1) + digits
	}
	if len(digits) <= exp+1 {
		return sign + digits + strings.Repeat("0", exp+1-len(digits)) + ".0"
	}
	return sign + digits[:exp+1] + "." + digits[exp+1:]
}

// Hash returns the hex SHA-256 digest of the record's canonical form.
func Hash(record scrape.Record) (string, error) {
	data, err := Canonical(record)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Store is the subset of the job store the engine needs.
type Store interface {
	RecordExists(ctx context.Context, contentHash string) (bool, error)
	InsertRecord(ctx context.Context, record scrape.ResultRecord) error
}

// Outcome reports what happened to one record.
type Outcome int

// Possible outcomes for a record passed through the engine.
const (
	Inserted Outcome = iota
	Duplicate
)

// Engine checks and persists records by content hash.
type Engine struct {
	store Store
}

// New constructs an Engine.
func New(store Store) *Engine {
	return &Engine{store: store}
}

// Save inserts record unless a record with the same content hash exists.
// A unique-constraint loss against a concurrent writer is reported as Duplicate.
func (e *Engine) Save(ctx context.Context, record scrape.ResultRecord) (Outcome, error) {
	if record.ContentHash == "" {
		return Inserted, errors.New("content hash is required")
	}
	exists, err := e.store.RecordExists(ctx, record.ContentHash)
	if err != nil {
		return Inserted, fmt.Errorf("lookup content hash: %w", err)
	}
	if exists {
		return Duplicate, nil
	}
	if err := e.store.InsertRecord(ctx, record); err != nil {
		if errors.Is(err, scrape.ErrDuplicateContent) {
			return Duplicate, nil
		}
		return Inserted, fmt.Errorf("insert record: %w", err)
	}
	return Inserted, nil
}

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "inserted"
}
