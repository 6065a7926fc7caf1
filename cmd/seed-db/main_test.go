package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeys(t *testing.T) {
	users, err := parseKeys(" alice:key-a , bob:key:b,")
	require.NoError(t, err)
	assert.Equal(t, []seedUser{
		{userID: "alice", apiKey: "key-a"},
		{userID: "bob", apiKey: "key:b"},
	}, users)

	for _, raw := range []string{"", "alice", ":key", "alice:"} {
		_, err := parseKeys(raw)
		assert.Error(t, err, raw)
	}
}
