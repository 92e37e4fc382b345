// Command vmcore boots a simulated machine and runs virtual-memory scenarios
// on it.
package main

import "github.com/sarchlab/vmcore/cmd/vmcore/cmd"

func main() {
	cmd.Execute()
}
