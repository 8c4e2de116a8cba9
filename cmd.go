// Package main is responsible for the front-door's main func. The actual
// work is done in the cmd package.
package main

import "github.com/ttimochan/dns-frontdoor/internal/cmd"

func main() {
	cmd.Main()
}
