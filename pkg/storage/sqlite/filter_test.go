package sqlite

import (
	"errors"
	"testing"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

func mustParse(t *testing.T, filter string) predicate {
	t.Helper()
	pred, err := parseFilter(filter)
	if err != nil {
		t.Fatalf("parse %q: %v", filter, err)
	}
	return pred
}

func TestFilterMatching(t *testing.T) {
	doc := map[string]wire.Value{
		"name":   wire.String("Ada Lovelace"),
		"age":    wire.Int(36),
		"score":  wire.Double(9.5),
		"active": wire.Bool(true),
		"address": wire.Object(map[string]wire.Value{
			"city": wire.String("London"),
		}),
	}

	cases := []struct {
		filter string
		want   bool
	}{
		{`name == 'Ada Lovelace'`, true},
		{`name != 'Ada Lovelace'`, false},
		{`age > 30`, true},
		{`age >= 36`, true},
		{`age < 36`, false},
		{`score > 9`, true},
		{`active == true`, true},
		{`name CONTAINS 'Love'`, true},
		{`name BEGINSWITH 'Ada'`, true},
		{`name ENDSWITH 'lace'`, true},
		{`name contains 'xyz'`, false},
		{`age > 30 AND active == true`, true},
		{`age > 40 OR name == 'Ada Lovelace'`, true},
		{`age > 40 AND name == 'Ada Lovelace'`, false},
		{`(age > 40 OR age < 10) AND active == true`, false},
		{`address.city == 'London'`, true},
		{`address.city == 'Paris'`, false},
		{`missing == 'x'`, false},
	}
	for _, tc := range cases {
		t.Run(tc.filter, func(t *testing.T) {
			if got := mustParse(t, tc.filter).matches(doc); got != tc.want {
				t.Fatalf("matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilterParseErrors(t *testing.T) {
	for _, filter := range []string{
		`name ==`,
		`== 'x'`,
		`name = 'x'`,
		`name LIKE 'x'`,
		`name == 'unterminated`,
		`(name == 'x'`,
		`name == 'x' extra`,
	} {
		t.Run(filter, func(t *testing.T) {
			_, err := parseFilter(filter)
			if err == nil {
				t.Fatal("expected parse error")
			}
			var ae *adapter.Error
			if !errors.As(err, &ae) || ae.Kind != adapter.InvalidPredicate {
				t.Fatalf("err = %v, want InvalidPredicate", err)
			}
		})
	}
}

func TestFilterEmptyIsNil(t *testing.T) {
	pred, err := parseFilter("   ")
	if err != nil || pred != nil {
		t.Fatalf("pred = %v, err = %v", pred, err)
	}
}
