package main

import "github.com/bslsalud/opchat/internal/ctl"

func main() {
	ctl.Execute()
}
