package model

import "testing"

func TestCapabilitySet_Has(t *testing.T) {
	tests := []struct {
		name string
		set  CapabilitySet
		cap  string
		want bool
	}{
		{"exact", CapabilitySet{"workflow:approval:notes:private": true}, "workflow:approval:notes:private", true},
		{"exact other", CapabilitySet{"workflow:approval:notes:private": true}, "workflow:leave:notes:private", false},
		{"star", CapabilitySet{"*": true}, "workflow:leave:notes:private", true},
		{"namespace", CapabilitySet{"workflow:leave:*": true}, "workflow:leave:notes:private", true},
		{"other namespace", CapabilitySet{"workflow:leave:*": true}, "workflow:approval:notes:private", false},
		{"prefix without wildcard", CapabilitySet{"workflow:leave": true}, "workflow:leave:notes:private", false},
		{"empty", CapabilitySet{}, "workflow:leave:notes:private", false},
		{"nil", nil, "workflow:leave:notes:private", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}
