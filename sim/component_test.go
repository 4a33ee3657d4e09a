package sim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopComponent struct{ id ComponentID }

func (c *nopComponent) Init() []Event { return nil }
func (c *nopComponent) Execute(Event) []Event { return nil }
func (c *nopComponent) State() []string { return nil }
func (c *nopComponent) SetState([]string) error { return nil }
func (c *nopComponent) Restart(int64) {}

func init() {
	RegisterKind("test-nop", func(decl Declaration) (Component, error) {
		if len(decl.Args) > 0 {
			return nil, errors.New("takes no arguments")
		}
		return &nopComponent{id: decl.ID}, nil
	})
}

func TestRegisterKind_Duplicate(t *testing.T) {
	assert.PanicsWithValue(t, `RegisterKind: kind "test-nop" registered twice`, func() {
		RegisterKind("test-nop", func(Declaration) (Component, error) { return nil, nil })
	})
	assert.Panics(t, func() { RegisterKind("test-nil", nil) })
	assert.Contains(t, Kinds(), "test-nop")
}

func TestNewComponent(t *testing.T) {
	c, err := NewComponent(Declaration{ID: 4, Kind: "test-nop"})
	require.NoError(t, err)
	assert.Equal(t, ComponentID(4), c.(*nopComponent).id)

	_, err = NewComponent(Declaration{ID: 5, Kind: "flux-capacitor"})
	assert.ErrorContains(t, err, `unknown kind "flux-capacitor"`)

	_, err = NewComponent(Declaration{ID: 6, Kind: "test-nop", Args: []string{"x"}})
	assert.ErrorContains(t, err, "component 6 (test-nop): takes no arguments")
}

func TestInstantiate(t *testing.T) {
	n := NewNetlist()
	n.AddComponent(Declaration{ID: 1, Kind: "test-nop"})
	n.AddComponent(Declaration{ID: 2, Kind: "test-nop"})

	comps, err := Instantiate(n)
	require.NoError(t, err)
	assert.Len(t, comps, 2)

	n.AddComponent(Declaration{ID: 3, Kind: "missing"})
	_, err = Instantiate(n)
	assert.Error(t, err)
}
