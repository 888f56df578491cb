package httpmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeader(t *testing.T) {
	t.Run("Set keeps the position of the first value", func(t *testing.T) {
		var h Header
		h.Add("a", "1")
		h.Add("b", "2")
		h.Add("A", "3")
		h.Set("a", "4")

		var got []string
		h.Each(func(k, v string) { got = append(got, k+"="+v) })
		assert.Equal(t, []string{"A=4", "B=2"}, got)
	})

	t.Run("Set appends unknown keys", func(t *testing.T) {
		var h Header
		h.Set("content-type", "text/plain")
		assert.Equal(t, 1, h.Len())
		assert.Equal(t, "text/plain", h.Get("Content-Type"))
	})

	t.Run("Del removes every value", func(t *testing.T) {
		var h Header
		h.Add("X", "1")
		h.Add("Y", "2")
		h.Add("x", "3")
		h.Del("X")
		assert.False(t, h.Has("x"))
		assert.Equal(t, 1, h.Len())
	})

	t.Run("Clone shares no storage", func(t *testing.T) {
		var h Header
		h.Add("X", "1")
		c := h.Clone()
		c.Set("X", "2")
		c.Add("Y", "3")
		assert.Equal(t, "1", h.Get("X"))
		assert.False(t, h.Has("Y"))
	})

	t.Run("Get on a missing key is empty", func(t *testing.T) {
		var h Header
		assert.Equal(t, "", h.Get("Nope"))
		assert.Nil(t, h.Values("Nope"))
	})
}
