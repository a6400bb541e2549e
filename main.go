package main

import "github.com/samsaffron/forumchat/cmd"

func main() {
	cmd.Execute()
}
