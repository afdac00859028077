// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mcpware/mcpgo/internal/jsonrpc2"
	"github.com/yosida95/uritemplate/v3"
)

// A ResourceHandler reads a resource, returning its contents.
type ResourceHandler func(context.Context, *ServerSession, *ReadResourceParams) (*ReadResourceResult, error)

// A ServerResource is a resource definition bound to a handler.
type ServerResource struct {
	Resource *Resource
	Handler  ResourceHandler
}

// A ServerResourceTemplate is a resource template bound to a handler. The
// handler is invoked for any read whose URI matches the template.
type ServerResourceTemplate struct {
	ResourceTemplate *ResourceTemplate
	Handler          ResourceHandler
}

// ResourceNotFoundError returns an error reporting that the resource with
// the given URI does not exist, suitable for returning from a
// [ResourceHandler].
func ResourceNotFoundError(uri string) error {
	return &jsonrpc2.WireError{
		Code:    jsonrpc2.CodeResourceNotFound,
		Message: "Resource not found",
		Data:    []byte(fmt.Sprintf("%q", uri)),
	}
}

// Matches reports whether uri matches the resource template (RFC 6570).
func (rt *ServerResourceTemplate) Matches(uri string) bool {
	tmpl, err := uritemplate.New(rt.ResourceTemplate.URITemplate)
	if err != nil {
		return false
	}
	return tmpl.Regexp().MatchString(uri)
}

// fileResourceHandler returns a [ResourceHandler] that serves files rooted
// at dir, honoring the client's advertised roots (if any) as an additional
// containment check.
func fileResourceHandler(dir string) ResourceHandler {
	return func(ctx context.Context, ss *ServerSession, params *ReadResourceParams) (*ReadResourceResult, error) {
		roots, err := fileRoots(ctx, ss)
		if err != nil {
			return nil, err
		}
		data, err := readFileResource(params.URI, dir, roots)
		if err != nil {
			return nil, err
		}
		return &ReadResourceResult{
			Contents: []*ResourceContents{{
				URI:  params.URI,
				Text: string(data),
			}},
		}, nil
	}
}

// readFileResource reads the file named by the file:// URI rawURI, which
// must resolve to a path under dirFilepath and, if rootFilepaths is
// non-empty, under one of those roots as well.
func readFileResource(rawURI, dirFilepath string, rootFilepaths []string) ([]byte, error) {
	fileFilepath, err := computeURIFilepath(rawURI, dirFilepath, rootFilepaths)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fileFilepath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ResourceNotFoundError(rawURI)
		}
		return nil, err
	}
	return data, nil
}

func computeURIFilepath(rawURI, dirFilepath string, rootFilepaths []string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", fmt.Errorf("parsing resource URI: %w", err)
	}
	if u.Scheme != "file" {
		return "", ResourceNotFoundError(rawURI)
	}
	rel := filepath.FromSlash(strings.TrimPrefix(u.Path, "/"))
	if !filepath.IsLocal(rel) {
		return "", ResourceNotFoundError(rawURI)
	}
	abs := filepath.Join(dirFilepath, rel)

	if len(rootFilepaths) > 0 {
		ok := false
		for _, root := range rootFilepaths {
			if r, err := filepath.Rel(root, abs); err == nil && filepath.IsLocal(r) {
				ok = true
				break
			}
		}
		if !ok {
			return "", ResourceNotFoundError(rawURI)
		}
	}
	return abs, nil
}

// fileRoots returns the local filesystem paths of every file:// root the
// client has advertised, ignoring roots with other schemes.
func fileRoots(ctx context.Context, ss *ServerSession) ([]string, error) {
	res, err := ss.ListRoots(ctx, &ListRootsParams{})
	if err != nil {
		// Clients that don't support roots simply have none; treat this as
		// "no containment restriction" rather than a hard failure.
		return nil, nil
	}
	var out []string
	for _, r := range res.Roots {
		fp, err := fileRoot(r)
		if err != nil {
			continue
		}
		out = append(out, fp)
	}
	return out, nil
}

func fileRoot(r *Root) (string, error) {
	u, err := url.Parse(r.URI)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("root %q is not a file:// URI", r.URI)
	}
	fp := filepath.FromSlash(u.Path)
	if !filepath.IsAbs(fp) {
		return "", fmt.Errorf("root %q is not absolute", r.URI)
	}
	return fp, nil
}
