package entity

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

func TestDecodePayloadReturnsTypedForm(t *testing.T) {
	raw := json.RawMessage(`{"title":"Full front PPF","status":"scheduled","clientId":"c-1"}`)
	decoded, err := DecodePayload(TypeTask, raw)
	if err != nil {
		t.Fatalf("decode task: %v", err)
	}
	task, ok := decoded.(TaskPayload)
	if !ok {
		t.Fatalf("expected TaskPayload, got %T", decoded)
	}
	if task.Title != "Full front PPF" || task.ClientID != "c-1" {
		t.Fatalf("unexpected task payload: %+v", task)
	}
}

func TestDecodePayloadQuoteKeepsDecimalPrecision(t *testing.T) {
	raw := json.RawMessage(`{"clientId":"c-1","currency":"EUR","total":"1249.90","lines":[{"description":"Hood film","quantity":1,"unitPrice":"1249.90","amount":"1249.90"}]}`)
	decoded, err := DecodePayload(TypeQuote, raw)
	if err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	quote := decoded.(QuotePayload)
	want := decimal.RequireFromString("1249.90")
	if !quote.Total.Equal(want) {
		t.Fatalf("total = %s, want %s", quote.Total, want)
	}
	if len(quote.Lines) != 1 || !quote.Lines[0].Amount.Equal(want) {
		t.Fatalf("unexpected lines: %+v", quote.Lines)
	}
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	if _, err := DecodePayload(Type("invoice"), json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := DecodePayload(TypeTask, nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestParseTypeNormalizes(t *testing.T) {
	typ, err := ParseType("  Intervention ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if typ != TypeIntervention {
		t.Fatalf("expected intervention, got %q", typ)
	}
	if _, err := ParseType("order"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
