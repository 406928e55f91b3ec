package main

import "github.com/pgtermd/pgtermd/cmd/pgtermd/cmd"

func main() {
	cmd.Execute()
}
