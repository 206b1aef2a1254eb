package canonical_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

var ts = time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)

func fields(payload canonical.Document) canonical.EntryFields {
	return canonical.EntryFields{
		SessionID: "sess-1",
		Timestamp: ts,
		Authority: "governor",
		Verdict:   "SEAL",
		Payload:   payload,
		SealID:    "6f1c1a7e-6b0e-4c43-9d0b-0f3a4b0e9c11",
	}
}

func TestGenesis_isZero(t *testing.T) {
	if canonical.Genesis.String() != canonical.GenesisHex {
		t.Errorf("Genesis: got %s", canonical.Genesis)
	}
	if !canonical.Genesis.IsZero() {
		t.Error("Genesis.IsZero() = false")
	}
}

func TestParseDigest_roundTrip(t *testing.T) {
	d := canonical.Sum([]byte("abc"))
	got, err := canonical.ParseDigest(d.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Errorf("round trip: got %s, want %s", got, d)
	}
	if _, err := canonical.ParseDigest("abc"); !errors.Is(err, canonical.ErrInvalidDigest) {
		t.Errorf("short input: want ErrInvalidDigest, got %v", err)
	}
}

func TestParseDocument_keyOrderAndWhitespace(t *testing.T) {
	a, err := canonical.ParseDocument([]byte(`{"b": 1, "a": {"y": true, "x": [1, 2]}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := canonical.ParseDocument([]byte("{\n\"a\":{\"x\":[1,2],\"y\":true},\"b\":1}"))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
	if want := `{"a":{"x":[1,2],"y":true},"b":1}`; a.String() != want {
		t.Errorf("canonical form: got %s, want %s", a, want)
	}
}

func TestParseDocument_rejectsNonObject(t *testing.T) {
	for _, in := range []string{`[1,2]`, `"text"`, `42`} {
		if _, err := canonical.ParseDocument([]byte(in)); !errors.Is(err, canonical.ErrNotObject) {
			t.Errorf("ParseDocument(%s): want ErrNotObject, got %v", in, err)
		}
	}
	d, err := canonical.ParseDocument([]byte("null"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsEmpty() {
		t.Errorf("null payload: got %s, want {}", d)
	}
}

func TestDocument_with(t *testing.T) {
	d := canonical.MustDocument(map[string]any{"a": 1})
	d2, err := d.With("b", "two")
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"a":1,"b":"two"}`; d2.String() != want {
		t.Errorf("With: got %s, want %s", d2, want)
	}
	if d.String() != `{"a":1}` {
		t.Errorf("With mutated receiver: %s", d)
	}
}

func TestEntryHash_deterministic(t *testing.T) {
	p1 := canonical.MustDocument(map[string]any{"floor": "F2", "score": 0.98})
	p2, _ := canonical.ParseDocument([]byte(`{ "score": 0.98, "floor": "F2" }`))

	h1, err := canonical.EntryHash(fields(p1))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := canonical.EntryHash(fields(p2))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("same logical content hashed differently: %s vs %s", h1, h2)
	}
}

func TestEntryHash_sensitiveToEveryField(t *testing.T) {
	base := fields(canonical.MustDocument(map[string]any{"k": "v"}))
	want, _ := canonical.EntryHash(base)

	mutations := map[string]func(f *canonical.EntryFields){
		"session":   func(f *canonical.EntryFields) { f.SessionID = "sess-2" },
		"timestamp": func(f *canonical.EntryFields) { f.Timestamp = f.Timestamp.Add(time.Microsecond) },
		"authority": func(f *canonical.EntryFields) { f.Authority = "other" },
		"verdict":   func(f *canonical.EntryFields) { f.Verdict = "VOID" },
		"payload":   func(f *canonical.EntryFields) { f.Payload = canonical.MustDocument(map[string]any{"k": "w"}) },
		"prev_hash": func(f *canonical.EntryFields) { f.PrevHash = canonical.Sum([]byte("x")) },
		"seal_id":   func(f *canonical.EntryFields) { f.SealID = "other" },
	}
	for name, mutate := range mutations {
		f := base
		mutate(&f)
		got, err := canonical.EntryHash(f)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got == want {
			t.Errorf("changing %s did not change the hash", name)
		}
	}
}

func TestEntryHash_subMicrosecondIgnored(t *testing.T) {
	f := fields(canonical.Document{})
	h1, _ := canonical.EntryHash(f)
	f.Timestamp = f.Timestamp.Truncate(time.Microsecond)
	h2, _ := canonical.EntryHash(f)
	if h1 != h2 {
		t.Error("nanosecond remainder changed the hash")
	}
}

func TestSchema_validate(t *testing.T) {
	s, err := canonical.CompileSchema("verdict", `{
		"type": "object",
		"required": ["floor"],
		"properties": {"floor": {"type": "string"}}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Validate(canonical.MustDocument(map[string]any{"floor": "F1"})); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
	err = s.Validate(canonical.MustDocument(map[string]any{"floor": 3}))
	if !errors.Is(err, canonical.ErrSchemaViolation) {
		t.Errorf("want ErrSchemaViolation, got %v", err)
	}

	var none *canonical.Schema
	if err := none.Validate(canonical.Document{}); err != nil {
		t.Errorf("nil schema: %v", err)
	}
}
