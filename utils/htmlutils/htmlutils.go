// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

// Package htmlutils provides utility functions for working with HTML.
package htmlutils

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// Node2string collects the text content of a node subtree into sb,
// separating text nodes with single spaces.
func Node2string(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		tmp := strings.TrimSpace(n.Data)
		if len(tmp) > 0 {
			if sb.Len() != 0 {
				sb.WriteByte(' ')
			}

			sb.WriteString(tmp)
		}
	} else {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			Node2string(child, sb)
		}
	}
}

// Text returns the whitespace-normalized text content of a node subtree.
func Text(n *html.Node) string {
	sb := strings.Builder{}
	Node2string(n, &sb)

	return sb.String()
}

// FindAll returns every element node named tag under n, in document order.
func FindAll(n *html.Node, tag string) []*html.Node {
	var found []*html.Node

	if n.Type == html.ElementNode && strings.EqualFold(tag, n.Data) {
		found = append(found, n)
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		found = append(found, FindAll(child, tag)...)
	}

	return found
}

// Validates that response seems to be an HTML response.
func hasHTMLContentType(media string) bool {
	const expectedMedia = "text/html"

	return strings.EqualFold(
		expectedMedia,
		media[0:min(len(media), len(expectedMedia))],
	)
}

// AsReader converts an HTTP response body to an io.Reader with the correct charset.
func AsReader(resp *http.Response) (io.Reader, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	media := resp.Header.Get("Content-Type")
	if !hasHTMLContentType(media) {
		return nil, fmt.Errorf("media type is %s", media)
	}

	rr, err := charset.NewReader(resp.Body, media)
	if err != nil {
		return nil, err
	}

	return rr, nil
}

// AsNode parses an io.Reader as an HTML node.
func AsNode(r io.Reader) (*html.Node, error) {
	n, err := html.Parse(r)
	if nil != err {
		return nil, fmt.Errorf("parsing body as HTML: %w", err)
	}

	return n, nil
}
