package main

import "batchops/internal/ctl"

func main() {
	ctl.Execute()
}
