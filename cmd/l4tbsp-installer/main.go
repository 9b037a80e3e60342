package main

import "l4tbsp/internal/installer"

func main() {
	installer.Main()
}
