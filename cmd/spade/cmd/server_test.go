package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raphaelreyna/spade/pkg/config"
	"github.com/raphaelreyna/spade/pkg/probe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startServer runs a spadeServer for the given configuration on a
// loopback port and returns its base URL.
func startServer(t *testing.T, doc string) string {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(doc))
	require.NoError(t, err)

	s, err := newServer(cfg, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, s.Close())
	})
	return "http://" + ln.Addr().String()
}

// rawGet sends target verbatim so that paths reach the server uncleaned.
func rawGet(t *testing.T, base, target string) string {
	t.Helper()
	conn, err := net.Dial("tcp", strings.TrimPrefix(base, "http://"))
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "GET %s HTTP/1.0\r\n\r\n", target)
	require.NoError(t, err)
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(b)
}

func TestSpadeServer(t *testing.T) {
	dir := t.TempDir()
	docRoot := filepath.Join(dir, "static")
	require.NoError(t, os.MkdirAll(docRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docRoot, "index.html"), []byte("<h1>spade</h1>\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("secret"), 0o644))

	adder, err := filepath.Abs(filepath.Join("..", "..", "..", "cgi-bin", "adder.sh"))
	require.NoError(t, err)
	if _, err := os.Stat(adder); err != nil {
		t.Skipf("adder script unavailable: %s", err)
	}

	base := startServer(t, fmt.Sprintf(`
static_file_path: %s
cgi_timeout: 5s
routes:
  - prefix: /adder
    executable: %s
`, docRoot, adder))

	client := probe.New(probe.MaxAttempts(0), probe.Timeout(10*time.Second))

	t.Run("will serve static files byte for byte", func(t *testing.T) {
		res, err := client.Get(context.Background(), base+"/index.html")
		require.NoError(t, err)
		assert.Equal(t, 200, res.Status)
		assert.Equal(t, "text/html", res.Header.Get("Content-Type"))
		assert.Equal(t, "<h1>spade</h1>\n", string(res.Body))
		assert.True(t, strings.HasPrefix(res.Header.Get("Server"), "spade/"))
	})

	t.Run("will answer 404 for missing files", func(t *testing.T) {
		res, err := client.Get(context.Background(), base+"/missing.html")
		require.NoError(t, err)
		assert.Equal(t, 404, res.Status)
	})

	t.Run("will run the adder", func(t *testing.T) {
		for query, expected := range map[string]string{
			"value=1&value=2": "3",
			"1&2":             "3",
			"":                "0",
		} {
			t.Run(query, func(t *testing.T) {
				res, err := client.Get(context.Background(), base+"/adder?"+query)
				require.NoError(t, err)
				assert.Equal(t, 200, res.Status)
				assert.Equal(t, expected, string(res.Body))
			})
		}
	})

	t.Run("will not serve files outside the document root", func(t *testing.T) {
		for _, target := range []string{"/../secret.txt", "/%2e%2e/secret.txt", "/../../../../etc/passwd"} {
			raw := rawGet(t, base, target)
			assert.True(t, strings.HasPrefix(raw, "HTTP/1.0 404 "), "%s: %s", target, raw)
			assert.False(t, strings.HasSuffix(raw, "\r\n\r\nsecret"), raw)
		}
	})

	t.Run("will print the body from the probe command", func(t *testing.T) {
		var out bytes.Buffer
		probeCmd.SetOut(&out)
		probeCmd.SetContext(context.Background())

		err := runProbe(probeCmd, []string{base + "/adder?4&5"})
		require.NoError(t, err)
		assert.Equal(t, "9", out.String())

		out.Reset()
		err = runProbe(probeCmd, []string{base + "/missing"})
		assert.Error(t, err)
		assert.Equal(t, "404 Not Found\n", out.String())
	})
}
