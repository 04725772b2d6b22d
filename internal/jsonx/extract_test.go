package jsonx

import (
	"errors"
	"testing"
)

type venuePayload struct {
	Venues []struct {
		Name string  `json:"name"`
		Lat  float64 `json:"lat"`
	} `json:"venues"`
}

func TestExtractDirect(t *testing.T) {
	var out venuePayload
	err := Extract(`{"venues":[{"name":"Legacy Hall","lat":33.07}]}`, &out)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out.Venues) != 1 || out.Venues[0].Name != "Legacy Hall" {
		t.Errorf("unexpected payload: %+v", out)
	}
}

func TestExtractFencedBlock(t *testing.T) {
	raw := "Here are the venues:\n```json\n{\"venues\":[{\"name\":\"The Star\",\"lat\":33.09}]}\n```\nLet me know if you need more."
	var out venuePayload
	if err := Extract(raw, &out); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if out.Venues[0].Name != "The Star" {
		t.Errorf("unexpected payload: %+v", out)
	}
}

func TestExtractFencedNoLanguageTag(t *testing.T) {
	raw := "```\n{\"venues\":[]}\n```"
	var out venuePayload
	if err := Extract(raw, &out); err != nil {
		t.Fatalf("extract: %v", err)
	}
}

func TestExtractBalancedBraces(t *testing.T) {
	raw := `Sure! The answer is {"venues":[{"name":"Stonebriar {Centre}","lat":33.1}]} as requested.`
	var out venuePayload
	if err := Extract(raw, &out); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if out.Venues[0].Name != "Stonebriar {Centre}" {
		t.Errorf("brace inside string mishandled: %+v", out)
	}
}

func TestExtractEscapedQuote(t *testing.T) {
	raw := `prefix {"venues":[{"name":"Joe\"s Bar","lat":1}]} suffix`
	var out venuePayload
	if err := Extract(raw, &out); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if out.Venues[0].Name != `Joe"s Bar` {
		t.Errorf("escape mishandled: %+v", out)
	}
}

func TestExtractArray(t *testing.T) {
	raw := `the list: [1,2,3]`
	obj, err := ExtractObject(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if obj != "[1,2,3]" {
		t.Errorf("got %q", obj)
	}
}

func TestExtractNoJSON(t *testing.T) {
	var out venuePayload
	err := Extract("I cannot help with that request.", &out)
	if !errors.Is(err, ErrNoJSON) {
		t.Fatalf("expected ErrNoJSON, got %v", err)
	}
}

func TestExtractUnbalanced(t *testing.T) {
	var out venuePayload
	err := Extract(`{"venues": [truncated`, &out)
	if !errors.Is(err, ErrNoJSON) {
		t.Fatalf("expected ErrNoJSON, got %v", err)
	}
}
