package main

import "github.com/NamanBalaji/leech/cmd"

func main() {
	cmd.Execute()
}
