package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelNameDeterministic(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"u1", "user@example.com", "", strings.Repeat("x", 200), "drop table;--"} {
		require.Equal(t, ChannelName(id), ChannelName(id), id)
	}
}

func TestChannelNameForms(t *testing.T) {
	t.Parallel()

	require.Equal(t, "procevt_u_u1", ChannelName("u1"))
	require.Equal(t, "procevt_u_User_42", ChannelName("User_42"))

	hashed := ChannelName("user@example.com")
	require.True(t, strings.HasPrefix(hashed, "procevt_h_"))
	require.Len(t, hashed, len("procevt_h_")+32)
}

func TestChannelNameIsValidIdentifier(t *testing.T) {
	t.Parallel()

	ids := []string{
		"u1",
		"7f9c2ba4-e88f-4d2b-9e1a-000000000000",
		"O'Brien",
		`"quoted"`,
		strings.Repeat("a", 40),
		strings.Repeat("a", 41),
		"ümlaut",
		"",
	}
	for _, id := range ids {
		name := ChannelName(id)
		require.LessOrEqual(t, len(name), 63, id)
		require.Regexp(t, `^[a-z][A-Za-z0-9_]*$`, name, id)
	}
}

func TestChannelNameSeparatesForms(t *testing.T) {
	t.Parallel()

	seen := map[string]string{}
	ids := []string{"u1", "U1", "u_1", "u-1", "u 1", "a@b", "a@c", strings.Repeat("a", 41), strings.Repeat("a", 42)}
	for _, id := range ids {
		name := ChannelName(id)
		prev, dup := seen[name]
		require.False(t, dup, "%q and %q collide on %s", prev, id, name)
		seen[name] = id
	}
}
