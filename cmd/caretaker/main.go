// Command caretaker runs scheduled health checks and housekeeping jobs.
package main

import (
	"fmt"
	"os"

	"github.com/go-tick/caretaker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "caretaker:", err)
		os.Exit(caretaker.ExitCode(err))
	}
}
