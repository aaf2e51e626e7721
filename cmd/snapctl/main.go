// snapctl programs, calibrates and verifies a SNAP receiver board.
package main

import "os"

func main() {
	os.Exit(execute())
}
