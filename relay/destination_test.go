package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lojahub/waconnect/adapter"
	"github.com/lojahub/waconnect/testutils"
)

// resolver records every lookup the relay performs and answers from a fixed
// set of known numbers.
type resolver struct {
	mu     sync.Mutex
	known  map[string]bool
	looked []string
}

func (r *resolver) fn(digits string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.looked = append(r.looked, digits)
	if r.known[digits] {
		return digits + "@s.whatsapp.net", true, nil
	}
	return "", false, nil
}

func (r *resolver) lookups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.looked...)
}

func newDestinationFixture(t *testing.T, known ...string) (*Relay, *testutils.MockAdapter, *resolver) {
	t.Helper()
	res := &resolver{known: map[string]bool{}}
	for _, n := range known {
		res.known[n] = true
	}
	ad := &testutils.MockAdapter{ResolveFunc: res.fn}
	r := NewRelay(fixedSender{ad: ad}, nil, nil, zerolog.Nop())
	t.Cleanup(r.Stop)
	return r, ad, res
}

type fixedSender struct {
	ad  *testutils.MockAdapter
	err error
}

func (f fixedSender) Sender(string) (adapter.Adapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ad, nil
}

func TestLocalNumberGetsCountryCode(t *testing.T) {
	r, ad, res := newDestinationFixture(t, "5511987654321")
	dest, err := r.resolveDestination(context.Background(), ad, "11987654321")
	if err != nil {
		t.Fatalf("resolveDestination: %s", err)
	}
	if dest != "5511987654321@s.whatsapp.net" {
		t.Errorf("got %q want 5511987654321@s.whatsapp.net", dest)
	}
	if got := res.lookups(); len(got) != 1 || got[0] != "5511987654321" {
		t.Errorf("lookups = %v, want exactly [5511987654321]", got)
	}
}

func TestFormattingCharactersStripped(t *testing.T) {
	r, ad, _ := newDestinationFixture(t, "5511987654321")
	dest, err := r.resolveDestination(context.Background(), ad, "+55 (11) 98765-4321")
	if err != nil {
		t.Fatalf("resolveDestination: %s", err)
	}
	if dest != "5511987654321@s.whatsapp.net" {
		t.Errorf("got %q", dest)
	}
}

// An old-style 8-digit number must be retried with the mobile ninth digit
// inserted.
func TestNinthDigitInserted(t *testing.T) {
	r, ad, res := newDestinationFixture(t, "5511987654321")
	dest, err := r.resolveDestination(context.Background(), ad, "1187654321")
	if err != nil {
		t.Fatalf("resolveDestination: %s", err)
	}
	if dest != "5511987654321@s.whatsapp.net" {
		t.Errorf("got %q", dest)
	}
	want := []string{"551187654321", "5511987654321"}
	got := res.lookups()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("lookups = %v, want %v", got, want)
	}
}

// A number stored with the ninth digit must be retried without it.
func TestNinthDigitDropped(t *testing.T) {
	r, ad, res := newDestinationFixture(t, "551187654321")
	dest, err := r.resolveDestination(context.Background(), ad, "11987654321")
	if err != nil {
		t.Fatalf("resolveDestination: %s", err)
	}
	if dest != "551187654321@s.whatsapp.net" {
		t.Errorf("got %q", dest)
	}
	if got := res.lookups(); len(got) != 2 {
		t.Errorf("lookups = %v, want exactly one retry", got)
	}
}

// Exactly one alternate form is tried before giving up.
func TestNoVariantResolves(t *testing.T) {
	r, ad, res := newDestinationFixture(t)
	_, err := r.resolveDestination(context.Background(), ad, "11987654321")
	if !errors.Is(err, ErrDestinationInvalid) {
		t.Errorf("got err %v want ErrDestinationInvalid", err)
	}
	if got := res.lookups(); len(got) != 2 {
		t.Errorf("lookups = %v, want exactly 2", got)
	}
}

func TestNoDigitsAtAll(t *testing.T) {
	r, ad, res := newDestinationFixture(t)
	_, err := r.resolveDestination(context.Background(), ad, "notarealnumber")
	if !errors.Is(err, ErrDestinationInvalid) {
		t.Errorf("got err %v want ErrDestinationInvalid", err)
	}
	if got := res.lookups(); len(got) != 0 {
		t.Errorf("lookups = %v, want none", got)
	}
}

func TestNinthDigitVariantTable(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"551187654321", "5511987654321"},
		{"5511987654321", "551187654321"},
		// A 9-digit local part not starting with 9 has no variant.
		{"5511887654321", ""},
		// Foreign numbers are left alone.
		{"14155550123", ""},
	}
	for _, c := range cases {
		if got := ninthDigitVariant(c.in); got != c.want {
			t.Errorf("ninthDigitVariant(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
