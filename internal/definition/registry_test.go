package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/worktrail/model"
)

func testDefs() []model.WorkflowDefinition {
	return []model.WorkflowDefinition{
		{Name: "leave", Checksum: "def456"},
		{Name: "approval", Checksum: "abc123"},
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(testDefs())

	d, ok := r.Get("approval")
	if !ok || d.Name != "approval" {
		t.Fatalf("Get(approval) = %+v, %v", d, ok)
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("Get(unknown) should return false")
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := NewRegistry(testDefs())
	names := r.Names()
	if len(names) != 2 || names[0] != "approval" || names[1] != "leave" {
		t.Errorf("Names() = %v", names)
	}
	if all := r.All(); all[0].Name != "approval" {
		t.Errorf("All()[0] = %q", all[0].Name)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d", r.Len())
	}
}

func TestRegistry_Checksum(t *testing.T) {
	a := NewRegistry(testDefs())
	reversed := testDefs()
	reversed[0], reversed[1] = reversed[1], reversed[0]
	b := NewRegistry(reversed)
	if a.Checksum() == "" || a.Checksum() != b.Checksum() {
		t.Errorf("checksums should be order independent: %q vs %q", a.Checksum(), b.Checksum())
	}

	c := NewRegistry([]model.WorkflowDefinition{{Name: "approval", Checksum: "changed"}})
	if c.Checksum() == a.Checksum() {
		t.Error("checksum should change with content")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testDefs())
	r.Replace([]model.WorkflowDefinition{{Name: "onboarding"}})
	if _, ok := r.Get("approval"); ok {
		t.Error("old definition should be gone after Replace")
	}
	if _, ok := r.Get("onboarding"); !ok {
		t.Error("new definition should be present after Replace")
	}
}

func TestRegistry_concurrentReads(t *testing.T) {
	r := NewRegistry(testDefs())
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				r.Get("approval")
				r.Names()
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				r.Replace(testDefs())
			}
		}()
	}
	wg.Wait()
}
