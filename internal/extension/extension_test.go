package extension

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fake struct{ name string }

func TestRegisterAndEnabled(t *testing.T) {
	Register("test-a", &fake{name: "a"})
	Register("test-b", &fake{name: "b"})

	enabled := Enabled([]string{"test-b", "unknown", "test-a"})
	assert.Len(t, enabled, 2)
	assert.Equal(t, "b", enabled[0].(*fake).name)
	assert.Equal(t, "a", enabled[1].(*fake).name)

	assert.Empty(t, Enabled(nil))
	assert.Contains(t, Names(), "test-a")

	assert.Panics(t, func() { Register("test-a", &fake{}) })
}
