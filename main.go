package main

import "github.com/aaronson2012/grok/cmd"

func main() {
	cmd.Execute()
}
