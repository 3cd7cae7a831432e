package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _____            _
 |_   _|_ _ _ __  (_)_ __
   | |/ _` + "`" + ` | '_ \ | | '__|
   | | (_| | |_) || | |
   |_|\__,_| .__/ |_|_|
           |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Session Lifecycle Service - Version %s\x1b[0m\n\n", Version)
}
