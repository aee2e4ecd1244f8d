package main

import "github.com/andresmejia3/emoscope/cmd"

func main() {
	cmd.Execute()
}
