// Package main provides the amrt command, which exercises the active message
// transport.
package main

import "github.com/sarchlab/activemsg/amrt/cmd"

func main() {
	cmd.Execute()
}
