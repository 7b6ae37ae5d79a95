package main

import "github.com/evolvechat/evolvechat/internal/cli"

func main() {
	cli.Execute()
}
