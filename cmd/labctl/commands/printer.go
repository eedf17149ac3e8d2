package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

var stdout io.Writer = os.Stdout

func success(format string, a ...any) {
	green.Fprintf(stdout, "✓ "+format+"\n", a...)
}

func warning(format string, a ...any) {
	yellow.Fprintf(stdout, "! "+format+"\n", a...)
}

func field(name string, value any) {
	fmt.Fprintf(stdout, "  %s %v\n", cyan.Sprintf("%-16s", name+":"), value)
}

// fail prints err to stderr and returns it for cobra.
func fail(title string, err error) error {
	red.Fprintf(os.Stderr, "%s\n", title)
	fmt.Fprintf(os.Stderr, "  %v\n", err)
	return fmt.Errorf("%s: %w", title, err)
}
