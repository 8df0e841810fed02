package main

import "github.com/sunflowermm/xrkbot/cmd"

func main() {
	cmd.Execute()
}
