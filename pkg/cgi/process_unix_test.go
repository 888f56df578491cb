//go:build unix

package cgi

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/raphaelreyna/spade/pkg/httpmsg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adderScript = `#!/bin/sh
sum=0
IFS='&'
for pair in $QUERY_STRING; do
	v=${pair#*=}
	case $v in
	'' | *[!0-9]*) continue ;;
	esac
	sum=$((sum + v))
done
printf '%s' "$sum"
`

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o755))
	return p
}

// recordingSpawner remembers the pid of every child it starts.
type recordingSpawner struct {
	OSSpawner
	pids []int
}

func (s *recordingSpawner) Spawn(c Command) (Process, error) {
	p, err := s.OSSpawner.Spawn(c)
	if err == nil {
		s.pids = append(s.pids, p.Pid())
	}
	return p, err
}

func gone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

// dead also accepts a zombie, since reaping orphans is up to whichever
// process adopted them.
func dead(pid int) bool {
	if gone(pid) {
		return true
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	i := bytes.LastIndexByte(b, ')')
	return i >= 0 && i+2 < len(b) && b[i+2] == 'Z'
}

func TestOSSpawner(t *testing.T) {
	dir := t.TempDir()
	adder := writeScript(t, dir, "adder.sh", adderScript)

	t.Run("will sum queries passed through the environment", func(t *testing.T) {
		type test struct {
			Name     string
			Query    string
			HasQuery bool
			Expected string
		}

		tt := []test{
			{Name: "key value pairs", Query: "value=1&value=2", HasQuery: true, Expected: "3"},
			{Name: "positional values", Query: "1&2", HasQuery: true, Expected: "3"},
			{Name: "empty query", Query: "", HasQuery: true, Expected: "0"},
			{Name: "no query", Expected: "0"},
			{Name: "stray separators", Query: "&1&&2&", HasQuery: true, Expected: "3"},
		}

		for _, tc := range tt {
			t.Run(tc.Name, func(t *testing.T) {
				sp := &recordingSpawner{}
				l := &Launcher{Path: adder, Spawner: sp}
				req := &httpmsg.Request{Method: "GET", Path: "/adder", RawQuery: tc.Query, HasQuery: tc.HasQuery}

				resp, err := l.Run(context.Background(), req, "/adder", "")
				require.NoError(t, err)
				assert.Equal(t, httpmsg.StatusOK, resp.Status)
				assert.Equal(t, tc.Expected, readResponse(t, resp))

				require.Len(t, sp.pids, 1)
				assert.True(t, gone(sp.pids[0]), "child %d was not reaped", sp.pids[0])
			})
		}
	})

	t.Run("will not deadlock on large input and output", func(t *testing.T) {
		cat := writeScript(t, dir, "cat.sh", "#!/bin/sh\nexec cat\n")
		body := bytes.Repeat([]byte("0123456789abcdef"), 256<<10)

		l := &Launcher{Path: cat, Output: OutputRaw, Timeout: 10 * time.Second}
		resp, err := l.Run(context.Background(), &httpmsg.Request{Method: "POST", Body: body}, "/cat", "")
		require.NoError(t, err)
		assert.Equal(t, string(body), readResponse(t, resp))
	})

	t.Run("will parse a CGI header block", func(t *testing.T) {
		cgiScript := writeScript(t, dir, "headers.sh", "#!/bin/sh\nprintf 'Status: 201 Created\\r\\nContent-Type: text/html\\r\\n\\r\\n<p>%s</p>' \"$REQUEST_METHOD\"\n")

		l := &Launcher{Path: cgiScript, Output: OutputCGI}
		resp, err := l.Run(context.Background(), &httpmsg.Request{Method: "PUT"}, "/h", "")
		require.NoError(t, err)
		assert.Equal(t, 201, resp.Status)
		assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
		assert.Equal(t, "<p>PUT</p>", readResponse(t, resp))
	})

	t.Run("will forward stderr without mixing it into the body", func(t *testing.T) {
		noisy := writeScript(t, dir, "noisy.sh", "#!/bin/sh\necho oops >&2\nprintf ok\n")

		var stderr bytes.Buffer
		l := &Launcher{Path: noisy, Stderr: &stderr}
		resp, err := l.Run(context.Background(), &httpmsg.Request{Method: "GET"}, "/n", "")
		require.NoError(t, err)
		assert.Equal(t, "ok", readResponse(t, resp))
		assert.Equal(t, "oops\n", stderr.String())
	})

	t.Run("will run the child in its directory", func(t *testing.T) {
		pwd := writeScript(t, dir, "pwd.sh", "#!/bin/sh\npwd -P\n")

		l := &Launcher{Path: pwd}
		resp, err := l.Run(context.Background(), &httpmsg.Request{Method: "GET"}, "/p", "")
		require.NoError(t, err)

		realDir, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		assert.Equal(t, realDir, strings.TrimSpace(readResponse(t, resp)))
	})

	t.Run("will apply the exit policy", func(t *testing.T) {
		failing := writeScript(t, dir, "fail.sh", "#!/bin/sh\nprintf partial\nexit 3\n")

		l := &Launcher{Path: failing}
		resp, err := l.Run(context.Background(), &httpmsg.Request{Method: "GET"}, "/f", "")
		require.NoError(t, err)
		assert.Equal(t, "partial", readResponse(t, resp))

		l.ExitPolicy = ExitFail
		_, err = l.Run(context.Background(), &httpmsg.Request{Method: "GET"}, "/f", "")

		var eerr ExitError
		require.True(t, errors.As(err, &eerr))
		assert.Equal(t, 3, eerr.Status.Code)
	})

	t.Run("will fail a child killed by a signal whatever the exit policy", func(t *testing.T) {
		crash := writeScript(t, dir, "crash.sh", "#!/bin/sh\nprintf partial\nkill -SEGV $$\n")

		for _, policy := range []ExitPolicy{ExitIgnore, ExitFail} {
			t.Run(policy.String(), func(t *testing.T) {
				sp := &recordingSpawner{}
				l := &Launcher{Path: crash, ExitPolicy: policy, Spawner: sp}
				resp, err := l.Run(context.Background(), &httpmsg.Request{Method: "GET"}, "/crash", "")
				assert.Nil(t, resp)

				var eerr ExitError
				require.True(t, errors.As(err, &eerr), "got %v", err)
				assert.True(t, eerr.Status.Signaled)
				assert.Equal(t, httpmsg.StatusInternalServerError, httpmsg.StatusOf(err))

				require.Len(t, sp.pids, 1)
				assert.True(t, gone(sp.pids[0]), "child %d was not reaped", sp.pids[0])
			})
		}
	})

	t.Run("will resolve a relative path against the working directory", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		rel, err := filepath.Rel(wd, adder)
		require.NoError(t, err)
		require.False(t, filepath.IsAbs(rel))

		l := &Launcher{Path: rel}
		req := &httpmsg.Request{Method: "GET", RawQuery: "1&2", HasQuery: true}
		resp, err := l.Run(context.Background(), req, "/adder", "")
		require.NoError(t, err)
		assert.Equal(t, "3", readResponse(t, resp))
	})

	t.Run("will fail to spawn", func(t *testing.T) {
		notExec := filepath.Join(dir, "plain.txt")
		require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0o644))

		for name, path := range map[string]string{
			"if the executable is missing":  filepath.Join(dir, "missing.sh"),
			"if the file is not executable": notExec,
			"if the path names a directory": dir,
		} {
			t.Run(name, func(t *testing.T) {
				sp := &recordingSpawner{}
				l := &Launcher{Path: path, Spawner: sp}
				_, err := l.Run(context.Background(), &httpmsg.Request{Method: "GET"}, "/x", "")

				var serr SpawnError
				assert.True(t, errors.As(err, &serr), "got %v", err)
				assert.Equal(t, httpmsg.StatusInternalServerError, httpmsg.StatusOf(err))
				assert.Empty(t, sp.pids)
			})
		}
	})

	t.Run("will kill and reap a child which never ends", func(t *testing.T) {
		pidFile := filepath.Join(dir, "grandchild.pid")
		hang := writeScript(t, dir, "hang.sh", "#!/bin/sh\nsleep 60 &\necho $! > \"$PIDFILE\"\nwait\n")

		sp := &recordingSpawner{}
		l := &Launcher{
			Path:    hang,
			Timeout: 200 * time.Millisecond,
			Env:     []string{"PIDFILE=" + pidFile},
			Spawner: sp,
		}

		start := time.Now()
		_, err := l.Run(context.Background(), &httpmsg.Request{Method: "GET"}, "/hang", "")

		var terr httpmsg.TimeoutError
		require.True(t, errors.As(err, &terr), "got %v", err)
		assert.Less(t, time.Since(start), 5*time.Second)

		require.Len(t, sp.pids, 1)
		assert.True(t, gone(sp.pids[0]), "child %d was not reaped", sp.pids[0])

		b, err := os.ReadFile(pidFile)
		require.NoError(t, err)
		grandchild, err := strconv.Atoi(strings.TrimSpace(string(b)))
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return dead(grandchild) }, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("will not leak children across repeated requests", func(t *testing.T) {
		sp := &recordingSpawner{}
		l := &Launcher{Path: adder, Spawner: sp}
		for i := 0; i < 20; i++ {
			req := &httpmsg.Request{Method: "GET", RawQuery: "1&2", HasQuery: true}
			resp, err := l.Run(context.Background(), req, "/adder", "")
			require.NoError(t, err)
			assert.Equal(t, "3", readResponse(t, resp))
		}
		for _, pid := range sp.pids {
			assert.True(t, gone(pid), "child %d was not reaped", pid)
		}
	})
}
