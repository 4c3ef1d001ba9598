package console

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Banner writes the kernel's boot banner to w. When w is backed by a
// real terminal it prints the full ASCII banner sized to the terminal
// width; otherwise (piped output, test buffers, a real serial line) it
// falls back to a single compact line, mirroring how the teacher's CLI
// entry points probe the terminal before deciding how much to draw.
func Banner(w io.Writer, version string) {
	width := 80
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			width = cols
		}
		fmt.Fprintln(w, centered(fmt.Sprintf("kcore %s", version), width))
		fmt.Fprintln(w, centered("x86_64 microkernel", width))
		return
	}
	fmt.Fprintf(w, "kcore %s booting\n", version)
}

func centered(s string, width int) string {
	if len(s) >= width {
		return s
	}
	pad := (width - len(s)) / 2
	out := make([]byte, 0, width)
	for i := 0; i < pad; i++ {
		out = append(out, ' ')
	}
	out = append(out, s...)
	return string(out)
}
