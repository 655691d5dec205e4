/*
Copyright © 2024 Dean
*/
package main

import "hybridrag/cmd"

func main() {
	cmd.Execute()
}
