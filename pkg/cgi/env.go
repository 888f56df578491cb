package cgi

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/raphaelreyna/spade/pkg/httpmsg"
)

// GatewayInterface is the CGI revision implemented.
const GatewayInterface = "CGI/1.1"

var osDefaultInheritEnv = map[string][]string{
	"darwin":  {"DYLD_LIBRARY_PATH"},
	"freebsd": {"LD_LIBRARY_PATH"},
	"hpux":    {"LD_LIBRARY_PATH", "SHLIB_PATH"},
	"irix":    {"LD_LIBRARY_PATH", "LD_LIBRARYN32_PATH", "LD_LIBRARY64_PATH"},
	"linux":   {"LD_LIBRARY_PATH"},
	"openbsd": {"LD_LIBRARY_PATH"},
	"solaris": {"LD_LIBRARY_PATH", "LD_LIBRARY_PATH_32", "LD_LIBRARY_PATH_64"},
	"windows": {"SystemRoot", "COMSPEC", "PATHEXT", "WINDIR"},
}

// ServerInfo describes the server to CGI programs.
type ServerInfo struct {
	Software string
	Name     string
	Port     int
	// DocumentRoot is used to build PATH_TRANSLATED.
	DocumentRoot string
}

// environ builds the child's environment. Later entries win over earlier
// ones, so route supplied variables can override the computed defaults.
func (l *Launcher) environ(req *httpmsg.Request, scriptName, pathInfo string) []string {
	proto := req.Proto
	if proto == "" {
		proto = httpmsg.ProtoHTTP10
	}

	env := []string{
		"SERVER_SOFTWARE=" + l.Server.Software,
		"SERVER_NAME=" + serverName(l.Server, req),
		"SERVER_PROTOCOL=" + proto,
		"SERVER_PORT=" + strconv.Itoa(l.Server.Port),
		"GATEWAY_INTERFACE=" + GatewayInterface,
		"REQUEST_METHOD=" + req.Method,
		"REQUEST_URI=" + req.Target,
		"QUERY_STRING=" + req.RawQuery,
		"SCRIPT_NAME=" + scriptName,
		"SCRIPT_FILENAME=" + l.Path,
		"PATH_INFO=" + pathInfo,
		"CONTENT_LENGTH=" + strconv.Itoa(len(req.Body)),
	}

	if l.Server.DocumentRoot != "" {
		env = append(env, "PATH_TRANSLATED="+filepath.Join(l.Server.DocumentRoot, filepath.FromSlash(pathInfo)))
	}

	if remoteIP, remotePort, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		env = append(env, "REMOTE_ADDR="+remoteIP, "REMOTE_HOST="+remoteIP, "REMOTE_PORT="+remotePort)
	} else if req.RemoteAddr != "" {
		env = append(env, "REMOTE_ADDR="+req.RemoteAddr, "REMOTE_HOST="+req.RemoteAddr)
	}

	joined := map[string][]string{}
	var order []string
	req.Header.Each(func(k, v string) {
		k = strings.Map(upperCaseAndUnderscore, k)
		if k == "PROXY" || k == "CONTENT_LENGTH" {
			return
		}
		if _, ok := joined[k]; !ok {
			order = append(order, k)
		}
		joined[k] = append(joined[k], v)
	})
	for _, k := range order {
		joinStr := ", "
		if k == "COOKIE" {
			joinStr = "; "
		}
		if k == "CONTENT_TYPE" {
			env = append(env, "CONTENT_TYPE="+strings.Join(joined[k], joinStr))
		}
		env = append(env, "HTTP_"+k+"="+strings.Join(joined[k], joinStr))
	}

	envPath := os.Getenv("PATH")
	if envPath == "" {
		envPath = "/bin:/usr/bin:/usr/ucb:/usr/bsd:/usr/local/bin"
	}
	env = append(env, "PATH="+envPath)

	for _, e := range osDefaultInheritEnv[runtime.GOOS] {
		if v := os.Getenv(e); v != "" {
			env = append(env, e+"="+v)
		}
	}
	for _, e := range l.InheritEnv {
		if v := os.Getenv(e); v != "" {
			env = append(env, e+"="+v)
		}
	}
	env = append(env, l.Env...)

	return removeLeadingDuplicates(env)
}

func serverName(s ServerInfo, req *httpmsg.Request) string {
	if host := req.Header.Get("Host"); host != "" {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
		return host
	}
	return s.Name
}

func removeLeadingDuplicates(env []string) (ret []string) {
	for i, e := range env {
		found := false
		if eq := strings.IndexByte(e, '='); eq != -1 {
			keq := e[:eq+1]
			for _, e2 := range env[i+1:] {
				if strings.HasPrefix(e2, keq) {
					found = true
					break
				}
			}
		}
		if !found {
			ret = append(ret, e)
		}
	}
	return
}

func upperCaseAndUnderscore(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return r - ('a' - 'A')
	case r == '-':
		return '_'
	case r == '=':
		return '_'
	}
	return r
}
