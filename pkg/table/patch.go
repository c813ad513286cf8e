package table

import "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

// Patch is an explicit, ordered list of attribute assignments. Directories
// build one from their typed update structs, field by field; the adapter
// never accepts free-form update expressions.
type Patch struct {
	sets []patchSet
}

type patchSet struct {
	name  string
	value types.AttributeValue
}

// NewPatch returns an empty patch.
func NewPatch() *Patch {
	return &Patch{}
}

// Set assigns an attribute value.
func (p *Patch) Set(name string, value types.AttributeValue) *Patch {
	p.sets = append(p.sets, patchSet{name: name, value: value})
	return p
}

// SetString assigns a string attribute.
func (p *Patch) SetString(name, value string) *Patch {
	return p.Set(name, &types.AttributeValueMemberS{Value: value})
}

// SetStringList assigns a list-of-strings attribute.
func (p *Patch) SetStringList(name string, values []string) *Patch {
	list := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		list = append(list, &types.AttributeValueMemberS{Value: v})
	}
	return p.Set(name, &types.AttributeValueMemberL{Value: list})
}

// Empty reports whether the patch assigns nothing.
func (p *Patch) Empty() bool {
	return p == nil || len(p.sets) == 0
}
