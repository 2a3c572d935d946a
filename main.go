// The main package for the pncp-item-ingest executable.
package main

import "github.com/JakeFAU/pncp-item-ingest/cmd"

func main() {
	cmd.Execute()
}
