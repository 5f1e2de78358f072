package logutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritersForLevel(t *testing.T) {
	var buf bytes.Buffer

	tests := []struct {
		level            string
		ops, diag, trace bool
	}{
		{"off", false, false, false},
		{"warning", true, false, false},
		{"error", true, false, false},
		{"info", true, true, false},
		{"DEBUG", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			w, err := WritersForLevel(tt.level, &buf)
			require.NoError(t, err)
			assert.Equal(t, tt.ops, w.Ops != nil)
			assert.Equal(t, tt.diag, w.Diag != nil)
			assert.Equal(t, tt.trace, w.Trace != nil)
		})
	}

	_, err := WritersForLevel("loud", &buf)
	assert.Error(t, err)
}

func TestStreamsRespectConfiguration(t *testing.T) {
	defer SetWriters(Writers{})

	var buf bytes.Buffer
	require.NoError(t, Configure("info", &buf))

	Opsf("ops %d", 1)
	Diagf("diag %d", 2)
	Tracef("trace %d", 3)

	out := buf.String()
	assert.True(t, strings.Contains(out, "ops 1"))
	assert.True(t, strings.Contains(out, "diag 2"))
	assert.False(t, strings.Contains(out, "trace 3"))
}

func TestPrinterWritesToDiag(t *testing.T) {
	defer SetWriters(Writers{})

	var buf bytes.Buffer
	SetWriters(Writers{Diag: &buf})
	Printer{Prefix: "[migrate] "}.Printf("applied %d", 1)
	assert.Contains(t, buf.String(), "[migrate] applied 1")
}
