package filter

import (
	"testing"
	"time"
)

func TestArgs(t *testing.T) {
	a := Args{
		"s":     "text",
		"i":     uint64(7),
		"f":     0.25,
		"b":     "true",
		"d":     "1.5s",
		"dn":    int64(2),
		"ints":  []any{uint64(502), int64(503), 504},
		"map":   map[string]any{"sub": "X-User"},
		"wrong": []any{"x"},
	}

	if s, _ := a.String("s", ""); s != "text" {
		t.Errorf("String = %q", s)
	}
	if s, _ := a.String("missing", "def"); s != "def" {
		t.Errorf("String default = %q", s)
	}
	if n, _ := a.Int("i", 0); n != 7 {
		t.Errorf("Int = %d", n)
	}
	if f, _ := a.Float("f", 0); f != 0.25 {
		t.Errorf("Float = %v", f)
	}
	if b, _ := a.Bool("b", false); !b {
		t.Error("Bool from string")
	}
	if d, _ := a.Duration("d", 0); d != 1500*time.Millisecond {
		t.Errorf("Duration = %v", d)
	}
	if d, _ := a.Duration("dn", 0); d != 2*time.Second {
		t.Errorf("bare number Duration = %v", d)
	}
	if ints, _ := a.Ints("ints"); len(ints) != 3 || ints[0] != 502 || ints[2] != 504 {
		t.Errorf("Ints = %v", ints)
	}
	if m, _ := a.StringMap("map"); m["sub"] != "X-User" {
		t.Errorf("StringMap = %v", m)
	}

	if _, err := a.Int("s", 0); err == nil {
		t.Error("Int of text should fail")
	}
	if _, err := a.Ints("wrong"); err == nil {
		t.Error("Ints of strings should fail")
	}
	if _, err := a.Int("f", 0); err == nil {
		t.Error("Int of a fraction should fail")
	}
	if _, err := a.RequiredString("missing"); err == nil {
		t.Error("RequiredString should fail when absent")
	}
	if err := (Args{"a": 1, "b": 2}).Only("a"); err == nil {
		t.Error("Only should reject unknown keys")
	}
}
