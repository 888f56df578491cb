// Package static serves files from a document root.
package static

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/raphaelreyna/spade/pkg/httpmsg"
	"github.com/raphaelreyna/spade/pkg/route"

	"go.uber.org/zap"
)

// Resolver serves the files under Root for a static route. The part of
// the request path after the route prefix is resolved against Root.
type Resolver struct {
	Root   string
	Logger *zap.Logger
}

// ServeRoute implements the route.Handler interface.
func (r *Resolver) ServeRoute(ctx context.Context, m route.Match, req *httpmsg.Request) (*httpmsg.Response, error) {
	resp, err := Serve(r.Root, m.Rest)
	if err != nil && r.Logger != nil {
		r.Logger.Debug("static lookup failed",
			zap.String("root", r.Root),
			zap.String("path", m.Rest),
			zap.Error(err),
		)
	}
	return resp, err
}

var (
	errTraversal = errors.New("path escapes document root")
	errNotFile   = errors.New("not a regular file")
)

// Serve returns a 200 response streaming the file that urlPath names
// under root. The caller must Close the response.
func Serve(root, urlPath string) (*httpmsg.Response, error) {
	name, err := Resolve(root, urlPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, openError(urlPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, httpmsg.HandlerError{Cause: err}
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, httpmsg.NotFoundError{Path: urlPath, Cause: errNotFile}
	}

	resp := &httpmsg.Response{
		Status:        httpmsg.StatusOK,
		Body:          f,
		ContentLength: info.Size(),
	}
	resp.Header.Set("Content-Type", ContentType(name))
	return resp, nil
}

// Resolve maps urlPath to a file system path under root. Any path with a
// ".." segment, or whose symlink-resolved location lies outside root, is
// reported as not found.
func Resolve(root, urlPath string) (string, error) {
	if strings.IndexByte(urlPath, 0) >= 0 {
		return "", httpmsg.NotFoundError{Path: urlPath, Cause: errTraversal}
	}
	for _, seg := range strings.FieldsFunc(urlPath, isSeparator) {
		if seg == ".." {
			return "", httpmsg.NotFoundError{Path: urlPath, Cause: errTraversal}
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", httpmsg.HandlerError{Cause: err}
	}
	name := filepath.Join(absRoot, filepath.FromSlash(path.Clean("/"+urlPath)))
	if !within(absRoot, name) {
		return "", httpmsg.NotFoundError{Path: urlPath, Cause: errTraversal}
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", openError(urlPath, err)
	}
	realName, err := filepath.EvalSymlinks(name)
	if err != nil {
		return "", openError(urlPath, err)
	}
	if !within(realRoot, realName) {
		return "", httpmsg.NotFoundError{Path: urlPath, Cause: errTraversal}
	}
	return realName, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

func within(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func openError(urlPath string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return httpmsg.NotFoundError{Path: urlPath, Cause: err}
	case errors.Is(err, fs.ErrPermission):
		return httpmsg.HandlerError{Cause: err}
	case errors.Is(err, syscall.ENOTDIR):
		return httpmsg.NotFoundError{Path: urlPath, Cause: err}
	default:
		return httpmsg.HandlerError{Cause: err}
	}
}
