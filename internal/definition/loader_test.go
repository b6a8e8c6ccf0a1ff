package definition

import (
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/workflows/approval.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.Name != "approval" {
		t.Errorf("Name = %q, want approval", def.Name)
	}
	if len(def.States) != 5 {
		t.Fatalf("States = %d, want 5", len(def.States))
	}
	if got := def.States["TRIAGE"].Dispatch; len(got) != 2 || got[0] != "URGENT" {
		t.Errorf("TRIAGE.Dispatch = %v", got)
	}
	ret, ok := def.States["REVIEW"].Transition("return")
	if !ok || !ret.Allows("START") {
		t.Errorf("REVIEW.return = %+v, %v", ret, ok)
	}
	if def.Entities["supervisor"].Source != "claimant" {
		t.Errorf("supervisor entity = %+v", def.Entities["supervisor"])
	}
	if def.Text["transition:submit"] != "Submit claim" {
		t.Errorf("Text = %v", def.Text)
	}
	if len(def.Features) != 1 || def.Features[0] != "std:notes" {
		t.Errorf("Features = %v", def.Features)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/workflows/approval.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	if _, err := NewLoader().LoadFile("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	if _, err := NewLoader().LoadFile("testdata/invalid/bad.yaml"); err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestParse_unknownField(t *testing.T) {
	_, err := Parse([]byte("name: x\nstates:\n  START:\n    flags_on_enter: [a]\n"))
	if err == nil {
		t.Fatal("Parse() should reject a misspelled flag list")
	}
}

func TestParse_empty(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("Parse() of an empty document should fail")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/workflows"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() returned %d definitions, want 2", len(defs))
	}
	if defs[0].Name != "approval" || defs[1].Name != "leave" {
		t.Errorf("names = %q, %q", defs[0].Name, defs[1].Name)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	if _, err := NewLoader().LoadAll([]string{"testdata/nonexistent"}); err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_invalid_yaml(t *testing.T) {
	if _, err := NewLoader().LoadAll([]string{"testdata/invalid"}); err == nil {
		t.Fatal("LoadAll() with invalid YAML should return error")
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	def1, _ := l.LoadFile("testdata/workflows/approval.yaml")
	def2, _ := l.LoadFile("testdata/workflows/approval.yaml")
	if def1.Checksum != def2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}
