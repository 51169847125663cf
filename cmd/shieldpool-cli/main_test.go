package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI with args and returns the printed fields by label
func execute(t *testing.T, args ...string) map[string]string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())

	fields := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		label, value, ok := strings.Cut(line, ":")
		if ok {
			fields[label] = strings.TrimSpace(value)
		} else {
			fields[""] = strings.TrimSpace(line)
		}
	}
	return fields
}

func TestNoteLifecycle(t *testing.T) {
	keys := execute(t, "keygen")
	require.NotEmpty(t, keys["owner"])

	note := execute(t, "note", "--value", "42", "--asset", "1", "--owner", keys["owner"])
	require.NotEmpty(t, note["commitment"])

	nf := execute(t, "nullifier", "--note", note["note"], "--key", keys["spending-key"])
	assert.Len(t, nf["nullifier"], 66)

	ct := execute(t, "encrypt", "--note", note["note"], "--to", keys["encryption-pub"])
	dec := execute(t, "decrypt", "--data", ct[""], "--key", keys["encryption-key"])
	assert.Equal(t, note["note"], dec["note"])
	assert.Equal(t, "42", dec["value"])
}

func TestNullifierNeedsOwningKey(t *testing.T) {
	owner := execute(t, "keygen")
	other := execute(t, "keygen")
	note := execute(t, "note", "--value", "1", "--owner", owner["owner"])

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"nullifier", "--note", note["note"], "--key", other["spending-key"]})
	assert.Error(t, cmd.Execute())
}
