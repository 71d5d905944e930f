package main

import "github.com/ValentinKolb/epcache/cmd"

func main() {
	cmd.Execute()
}
