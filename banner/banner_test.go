package banner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, "hostwatch", "1.2.3")

	out := buf.String()
	assert.Contains(t, out, "hostwatch 1.2.3")
	assert.Greater(t, strings.Count(out, "\n"), 3)
}
