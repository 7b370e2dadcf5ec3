package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceRoundTrip(t *testing.T) {
	cases := []Namespace{
		Global(),
		Project("acme"),
		Session("acme", "s1"),
		User("u1"),
		Agent("planner"),
	}

	for _, ns := range cases {
		s := ns.String()
		parsed, err := ParseNamespace(s)
		require.NoError(t, err)
		assert.True(t, ns.Equal(parsed), "round trip mismatch for %q", s)
		assert.Equal(t, s, parsed.String())
	}
}

func TestParseNamespaceInvalid(t *testing.T) {
	for _, s := range []string{"", "bogus", "project:", "session:acme", "session:/s1", "user:", "agent:"} {
		_, err := ParseNamespace(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}

func TestNamespaceContains(t *testing.T) {
	assert.True(t, Project("acme").Contains(Session("acme", "s1")))
	assert.False(t, Project("acme").Contains(Session("other", "s1")))
	assert.False(t, Global().Contains(Project("acme")))
	assert.True(t, Global().Contains(Global()))
	assert.False(t, Session("acme", "s1").Contains(Project("acme")))
}
