package main

import "github.com/yarlson/ralphy/cmd"

func main() {
	cmd.Execute()
}
