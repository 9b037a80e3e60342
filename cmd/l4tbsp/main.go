package main

import "l4tbsp/internal/bsp"

func main() {
	bsp.Main()
}
