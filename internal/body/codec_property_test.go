package body

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestTruncationKeepsOriginalSize checks that for any ASCII body of size M
// and cap N < M the stored body is exactly N bytes, flagged truncated, and
// reports M as its original size.
func TestTruncationKeepsOriginalSize(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("truncated body has length N and original size M", prop.ForAll(
		func(s string, n int) bool {
			m := len(s)
			if n >= m {
				return true
			}
			buf := NewBuffer(int64(n))
			_, _ = buf.Write([]byte(s))
			b := Decode(buf.Bytes(), Info{ContentType: "text/plain", Total: buf.Total()}, Options{MaxContentLength: int64(n)})
			return len(b.Content) == n && b.Truncated && b.OriginalSize == int64(m) &&
				bytes.Equal(b.Content, []byte(s[:n]))
		},
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 }),
		gen.IntRange(0, 64),
	))

	properties.Property("bodies under the cap are stored whole", prop.ForAll(
		func(s string) bool {
			b := Decode([]byte(s), Info{ContentType: "text/plain", Total: int64(len(s))}, Options{MaxContentLength: int64(len(s))})
			return !b.Truncated && string(b.Content) == s && b.OriginalSize == int64(len(s))
		},
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 }),
	))

	properties.TestingRun(t)
}
