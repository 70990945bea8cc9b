package usecase

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var ansiSGR = regexp.MustCompile("\x1b\\[([0-9;]*)m")

// ansiColors maps SGR foreground color codes to CSS color names. The debug
// log embeds these so a terminal viewer renders them; here they become
// inline HTML spans instead.
var ansiColors = map[int]string{
	30: "black", 31: "red", 32: "green", 33: "yellow",
	34: "blue", 35: "magenta", 36: "cyan", 37: "white",
	90: "gray", 91: "lightcoral", 92: "lightgreen", 93: "khaki",
	94: "lightskyblue", 95: "violet", 96: "lightcyan", 97: "white",
}

// translateANSI converts ANSI SGR color/bold escapes embedded in s into
// inline-styled HTML spans, with no global color state. Only 0 (reset),
// 1 (bold) and the foreground colors in ansiColors are translated;
// unrecognized or unsupported codes are ignored.
func translateANSI(s string) string {
	var b strings.Builder
	openSpans := 0
	last := 0

	for _, m := range ansiSGR.FindAllStringSubmatchIndex(s, -1) {
		start, end := m[0], m[1]
		b.WriteString(html.EscapeString(s[last:start]))
		last = end

		codes := strings.Split(s[m[2]:m[3]], ";")
		for _, c := range codes {
			if c == "" {
				continue
			}
			n, err := strconv.Atoi(c)
			if err != nil {
				continue
			}
			switch {
			case n == 0:
				for openSpans > 0 {
					b.WriteString("</span>")
					openSpans--
				}
			case n == 1:
				b.WriteString(`<span style="font-weight:bold">`)
				openSpans++
			case ansiColors[n] != "":
				b.WriteString(`<span style="color:` + ansiColors[n] + `">`)
				openSpans++
			}
		}
	}
	b.WriteString(html.EscapeString(s[last:]))
	for openSpans > 0 {
		b.WriteString("</span>")
		openSpans--
	}
	return b.String()
}
