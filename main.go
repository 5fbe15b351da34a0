package main

import "github.com/DuC-cnZj/predict-bus/cmd"

func main() {
	cmd.Execute()
}
