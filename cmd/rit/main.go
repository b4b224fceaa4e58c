package main

import "github.com/vanpelt/rit/internal/cmd"

func main() {
	cmd.Execute()
}
