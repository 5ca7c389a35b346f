// Package person holds the recipient entity. A person is the argument
// set for template compilation: every non-empty field is addressable
// as a placeholder by its snake_case name, and arbitrary extra
// attributes may be attached.
package person

import "strconv"

// Person is a message recipient. ID is zero until storage assigns one.
type Person struct {
	ID        int64
	FirstName string
	LastName  string
	Telephone string
	Address   string

	// Extra carries free-form attributes beyond the fixed columns.
	Extra map[string]string
}

// HasID reports whether storage has assigned an identity.
func (p Person) HasID() bool { return p.ID > 0 }

// Attr resolves a template placeholder name against the person.
// Fixed fields win over Extra entries of the same name.
func (p Person) Attr(name string) (string, bool) {
	switch name {
	case "id":
		if p.ID > 0 {
			return strconv.FormatInt(p.ID, 10), true
		}
	case "first_name":
		if p.FirstName != "" {
			return p.FirstName, true
		}
	case "last_name":
		if p.LastName != "" {
			return p.LastName, true
		}
	case "telephone":
		if p.Telephone != "" {
			return p.Telephone, true
		}
	case "address":
		if p.Address != "" {
			return p.Address, true
		}
	}
	v, ok := p.Extra[name]
	if ok && v != "" {
		return v, true
	}
	return "", false
}
