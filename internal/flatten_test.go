package internal

import "testing"

// TestFlattenNestedAndArray tests that a push payload with a commits array is flattened correctly.
func TestFlattenNestedAndArray(t *testing.T) {
	input := map[string]any{
		"repository": map[string]any{
			"full_name": "acme/api",
			"private":   true,
		},
		"commits": []any{
			map[string]any{"id": "a1", "added": []any{"go.mod"}},
			map[string]any{"id": "b2"},
		},
	}

	flat := Flatten(input)
	if flat["repository.full_name"] != "acme/api" {
		t.Fatalf("expected repository.full_name, got %v", flat["repository.full_name"])
	}
	if flat["repository.private"] != true {
		t.Fatalf("expected repository.private to be true")
	}
	if _, ok := flat["commits[]"]; !ok {
		t.Fatalf("expected commits[] to exist")
	}
	if flat["commits[1].id"] != "b2" {
		t.Fatalf("expected commits[1].id to be b2, got %v", flat["commits[1].id"])
	}
	if flat["commits[0].added[0]"] != "go.mod" {
		t.Fatalf("expected commits[0].added[0] to be go.mod, got %v", flat["commits[0].added[0]"])
	}
}

func TestFlattenJSONNonObject(t *testing.T) {
	doc, flat, err := FlattenJSON([]byte(`[1,2,3]`))
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if len(doc) != 0 || len(flat) != 0 {
		t.Fatalf("expected empty maps, got %v %v", doc, flat)
	}

	if _, _, err := FlattenJSON([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
