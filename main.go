package main

import (
	"fmt"
	"os"

	"github.com/bahalabs/offgate/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
