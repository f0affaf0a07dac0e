package main

import "github.com/adytum-sh/adytum/cmd"

func main() {
	cmd.Execute()
}
