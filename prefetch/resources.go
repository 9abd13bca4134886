package prefetch

import (
	"strings"

	"golang.org/x/net/html"
)

// scanResourceRefs extracts portal-relative resource references from page
// markup: src and href attribute values that start with "/". Anchors are
// skipped, page navigation is not a resource. Duplicates are collapsed,
// order of first appearance is kept.
func scanResourceRefs(content string) []string {
	tokenizer := html.NewTokenizer(strings.NewReader(content))

	var refs []string
	seen := make(map[string]struct{})

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return refs
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data == "a" {
				continue
			}
			for _, attr := range token.Attr {
				if attr.Key != "src" && attr.Key != "href" {
					continue
				}
				ref := strings.TrimSpace(attr.Val)
				if !strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "//") {
					continue
				}
				if _, ok := seen[ref]; ok {
					continue
				}
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
	}
}
