package model

// Principal kinds.
const (
	PrincipalUser  = "user"
	PrincipalGroup = "group"
)

// Principal is a user or group that can be made responsible for work.
type Principal struct {
	ID   string `json:"id"   yaml:"id"`
	Kind string `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`
	// Ref links a user to the object describing them, so entities that
	// resolve to people can be mapped back to users.
	Ref  string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// IsZero reports whether the principal is unset.
func (p Principal) IsZero() bool {
	return p.ID == ""
}

// Object is a record in the external object store that workflows are about,
// or that they read while computing responsibility. Attribute values that
// hold refs to other objects are stored as ref strings.
type Object struct {
	Ref        string              `json:"ref"        yaml:"ref"`
	Type       string              `json:"type"       yaml:"type"`
	Title      string              `json:"title"      yaml:"title"`
	CreatedBy  string              `json:"created_by" yaml:"created_by"`
	Attributes map[string][]string `json:"attributes" yaml:"attributes"`
}

// First returns the first value of attr.
func (o Object) First(attr string) (string, bool) {
	values := o.Attributes[attr]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Every returns all values of attr.
func (o Object) Every(attr string) []string {
	return o.Attributes[attr]
}

// ObjectRef returns the object's ref. It lets loaded objects be treated as
// wrappers around a ref when recording dependencies.
func (o Object) ObjectRef() string {
	return o.Ref
}
