package main

import (
	"fmt"
	"os"

	"arclink/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "arclink:", err)
		os.Exit(1)
	}
}
