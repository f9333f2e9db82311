package router

import (
	"strings"

	"gitwatch/pkg/tgui"
)

// HelpHTML renders the command list in HTML parse mode. Operator commands
// are listed only when owner is true.
func (r *Router) HelpHTML(owner bool) string {
	var pub, ops []string
	for _, c := range r.Commands() {
		usage := strings.TrimSpace(c.Usage)
		if usage == "" {
			usage = "/" + c.Name
		}
		line := "• " + tgui.Code(usage).String()
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + tgui.Esc(d).String()
		}
		if c.Access == AccessOwnerOnly {
			ops = append(ops, line)
			continue
		}
		pub = append(pub, line)
	}

	var b strings.Builder
	b.WriteString(tgui.B("Available commands").String())
	b.WriteString("\n")
	b.WriteString(strings.Join(pub, "\n"))
	if owner && len(ops) > 0 {
		b.WriteString("\n\n")
		b.WriteString(tgui.B("Operator commands").String())
		b.WriteString("\n")
		b.WriteString(strings.Join(ops, "\n"))
	}
	b.WriteString("\n\nYou can also send a repository name like ")
	b.WriteString(tgui.Code("owner/name").String())
	b.WriteString(" or a GitHub link to start watching it.")
	return b.String()
}
