package diff

import (
	"fmt"
	"strconv"
	"strings"

	"gitwatch/internal/watch"
)

type phrase struct {
	up, down string
	current  string
}

var phrases = map[watch.Field]phrase{
	watch.FieldStars:    {up: "New Star(s) ⭐ 😃", down: "Star(s) Removed ⭐ 😔", current: "Current stars %d ⭐"},
	watch.FieldWatchers: {up: "New Watcher(s) 👀", down: "Watcher(s) Left 👀", current: "Current watchers %d 👀"},
	watch.FieldIssues:   {up: "New Issue(s) 🐛", down: "Issue(s) Closed 😃 🎉", current: "Current issues %d 🐛"},
	watch.FieldPulls:    {up: "New Pull Request(s) ⛙", down: "Pull Request(s) Closed ⛙", current: "Current pulls %d ⛙"},
	watch.FieldForks:    {up: "New Fork(s) 🍴", down: "Fork(s) Deleted 🍴", current: "Current forks %d 🍴"},
}

// Render formats a single delta as a plain-text message:
//
//	New change in owner/name!
//	2 New Star(s) ⭐ 😃
//	Current stars 12 ⭐
func Render(d watch.Delta) string {
	p, ok := phrases[d.Field]
	if !ok {
		return ""
	}
	abs := d.Diff()
	if abs < 0 {
		abs = -abs
	}
	word := p.up
	if !d.Increase() {
		word = p.down
	}

	var b strings.Builder
	b.WriteString("New change in ")
	b.WriteString(d.FullName)
	b.WriteString("!\n")
	b.WriteString(strconv.FormatInt(abs, 10))
	b.WriteByte(' ')
	b.WriteString(word)
	b.WriteByte('\n')
	fmt.Fprintf(&b, p.current, d.New)
	return b.String()
}
