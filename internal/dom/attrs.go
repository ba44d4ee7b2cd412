package dom

import (
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// Attr returns the value of the named attribute and whether it is present.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// AttrOr returns the attribute value or the fallback when absent.
func (n *Node) AttrOr(name, fallback string) string {
	if v, ok := n.Attr(name); ok {
		return v
	}
	return fallback
}

// SetAttr sets or replaces an attribute.
func (n *Node) SetAttr(name, value string) {
	for i, a := range n.n.Attr {
		if a.Key == name {
			n.n.Attr[i].Val = value
			return
		}
	}
	n.n.Attr = append(n.n.Attr, html.Attribute{Key: name, Val: value})
}

// RemoveAttr deletes an attribute if present.
func (n *Node) RemoveAttr(name string) {
	for i, a := range n.n.Attr {
		if a.Key == name {
			n.n.Attr = append(n.n.Attr[:i], n.n.Attr[i+1:]...)
			return
		}
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

// HasClass reports whether the element's class list contains class.
func (n *Node) HasClass(class string) bool {
	return hasClass(n.n, class)
}

// AddClass appends class to the element's class list if missing.
func (n *Node) AddClass(class string) {
	if n.HasClass(class) {
		return
	}
	cur, _ := n.Attr("class")
	if cur == "" {
		n.SetAttr("class", class)
		return
	}
	n.SetAttr("class", cur+" "+class)
}

// RemoveClass drops class from the element's class list.
func (n *Node) RemoveClass(class string) {
	cur, _ := n.Attr("class")
	if cur == "" {
		return
	}
	var kept []string
	for _, c := range strings.Fields(cur) {
		if c != class {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		n.RemoveAttr("class")
		return
	}
	n.SetAttr("class", strings.Join(kept, " "))
}

// StyleProp returns the value of an inline style property, or "".
func (n *Node) StyleProp(prop string) string {
	return parseStyle(n.AttrOr("style", ""))[prop]
}

// SetStyleProp sets an inline style property, preserving other properties.
func (n *Node) SetStyleProp(prop, value string) {
	style := parseStyle(n.AttrOr("style", ""))
	style[prop] = value
	n.SetAttr("style", renderStyle(style))
}

// RemoveStyleProp removes an inline style property. The style attribute is
// dropped entirely when no properties remain, leaving the element exactly as
// the host rendered it.
func (n *Node) RemoveStyleProp(prop string) {
	style := parseStyle(n.AttrOr("style", ""))
	delete(style, prop)
	if len(style) == 0 {
		n.RemoveAttr("style")
		return
	}
	n.SetAttr("style", renderStyle(style))
}

func parseStyle(s string) map[string]string {
	out := make(map[string]string)
	for _, decl := range strings.Split(s, ";") {
		decl = strings.TrimSpace(decl)
		if decl == "" {
			continue
		}
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func renderStyle(style map[string]string) string {
	// Sort for deterministic serialization.
	keys := make([]string, 0, len(style))
	for k := range style {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(style[k])
		b.WriteString(";")
	}
	return b.String()
}
