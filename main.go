package main

import "github.com/GomesGoncalo/vigilant-parakeet/cmd"

func main() {
	cmd.Execute()
}
