package payload

import "testing"

func TestParseJSON(t *testing.T) {
	doc, ok := Parse("json", []byte(`{"temperature": 24.5, "nested": {"hum": 60}}`))
	if !ok {
		t.Fatalf("expected parse ok")
	}
	if doc["temperature"] != 24.5 {
		t.Fatalf("unexpected doc: %#v", doc)
	}
}

func TestParseJSONMalformed(t *testing.T) {
	if _, ok := Parse("json", []byte(`{nope`)); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestParseCSVHeaderless(t *testing.T) {
	doc, ok := Parse("csv", []byte("1.5, 2.5, 3"))
	if !ok {
		t.Fatalf("expected parse ok")
	}
	if doc["col0"] != 1.5 || doc["col1"] != 2.5 || doc["col2"] != 3.0 {
		t.Fatalf("unexpected doc: %#v", doc)
	}
}

func TestParseCSVWithHeader(t *testing.T) {
	doc, ok := Parse("csv", []byte("temp,hum\n21.5,60"))
	if !ok {
		t.Fatalf("expected parse ok")
	}
	if doc["temp"] != 21.5 || doc["hum"] != 60.0 {
		t.Fatalf("unexpected doc: %#v", doc)
	}
}

func TestParseCSVHeaderWithoutDataRow(t *testing.T) {
	if _, ok := Parse("csv", []byte("temp,hum")); ok {
		t.Fatalf("header without values must fail")
	}
}

func TestParseTextPairs(t *testing.T) {
	doc, ok := Parse("text", []byte("temp=21.5;hum=60&state=run"))
	if !ok {
		t.Fatalf("expected parse ok")
	}
	if doc["temp"] != 21.5 || doc["hum"] != 60.0 || doc["state"] != "run" {
		t.Fatalf("unexpected doc: %#v", doc)
	}
}

func TestParseTextBareNumber(t *testing.T) {
	doc, ok := Parse("text", []byte(" 42.25 "))
	if !ok {
		t.Fatalf("expected parse ok")
	}
	if doc["value"] != 42.25 {
		t.Fatalf("unexpected doc: %#v", doc)
	}
}

func TestParseTextGarbage(t *testing.T) {
	if _, ok := Parse("text", []byte("no pairs here")); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestExtract(t *testing.T) {
	doc, _ := Parse("json", []byte(`{"a": {"b": [10, 20, 30]}, "c": 1}`))

	v, ok := Extract(doc, "a.b[1]")
	if !ok || v != 20.0 {
		t.Fatalf("expected 20, got %v ok=%v", v, ok)
	}
	if _, ok := Extract(doc, "a.missing.x"); ok {
		t.Fatalf("missing intermediate key must abort")
	}
	if _, ok := Extract(doc, "a.b[9]"); ok {
		t.Fatalf("index out of range must abort")
	}
	if v, ok := Extract(doc, "c"); !ok || v != 1.0 {
		t.Fatalf("expected 1, got %v", v)
	}
}

func TestCoerce(t *testing.T) {
	if v, ok := Coerce("12.5"); !ok || v != 12.5 {
		t.Fatalf("string coerce failed: %v %v", v, ok)
	}
	if v, ok := Coerce(7); !ok || v != 7 {
		t.Fatalf("int coerce failed")
	}
	if _, ok := Coerce("abc"); ok {
		t.Fatalf("non-numeric string must not coerce")
	}
	if _, ok := Coerce(map[string]interface{}{}); ok {
		t.Fatalf("object must not coerce")
	}
}

func TestIsMetadataKey(t *testing.T) {
	for _, k := range []string{"timestamp", "Tenant_ID", "version"} {
		if !IsMetadataKey(k) {
			t.Fatalf("expected %q to be metadata", k)
		}
	}
	if IsMetadataKey("temperature") {
		t.Fatalf("temperature is not metadata")
	}
}
